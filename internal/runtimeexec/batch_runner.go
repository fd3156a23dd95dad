package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/animus-labs/bundlerun/internal/jobdef"
	"github.com/animus-labs/bundlerun/internal/platform/awsapi"
	"github.com/animus-labs/bundlerun/internal/platform/awsauth"
)

type BatchSubmitAPI interface {
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
}

type JobDefinitionResolver interface {
	ResolveOrCreate(ctx context.Context, pipeline string) (jobdef.JobDefinition, error)
}

type CredentialMinter interface {
	MintSessionToken(ctx context.Context, seconds int32) (awsauth.Credentials, error)
}

// BatchRunner submits pipelines to a batch job queue. It does not wait for
// the job to start.
type BatchRunner struct {
	client      BatchSubmitAPI
	definitions JobDefinitionResolver
	credentials CredentialMinter
	queue       string
	logger      *slog.Logger
}

func NewBatchRunner(client BatchSubmitAPI, definitions JobDefinitionResolver, credentials CredentialMinter, queue string, logger *slog.Logger) (*BatchRunner, error) {
	if client == nil {
		return nil, errors.New("batch client is required")
	}
	if definitions == nil {
		return nil, errors.New("job definition resolver is required")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("batch queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRunner{
		client:      client,
		definitions: definitions,
		credentials: credentials,
		queue:       queue,
		logger:      logger,
	}, nil
}

func (r *BatchRunner) Backend() Backend {
	return ManagedCluster
}

func (r *BatchRunner) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	if r == nil || r.client == nil {
		return LaunchResult{}, errors.New("batch runner not initialized")
	}
	jobName := strings.TrimSpace(spec.JobName)
	if jobName == "" {
		return LaunchResult{}, errors.New("job name is required")
	}

	def, err := r.definitions.ResolveOrCreate(ctx, spec.Pipeline)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("resolve job definition: %w", err)
	}

	var minted map[string]string
	if spec.SessionTokenSeconds > 0 {
		if r.credentials == nil {
			return LaunchResult{}, errors.New("session token requested but no credential broker configured")
		}
		creds, err := r.credentials.MintSessionToken(ctx, spec.SessionTokenSeconds)
		if err != nil {
			return LaunchResult{}, fmt.Errorf("mint session token: %w", err)
		}
		minted = creds.Env()
	}
	envs := mergeEnv(spec.Env, minted)

	overrides := &batchtypes.ContainerOverrides{Command: append([]string(nil), spec.Args...)}
	for _, key := range sortedKeys(envs) {
		overrides.Environment = append(overrides.Environment, batchtypes.KeyValuePair{
			Name:  aws.String(key),
			Value: aws.String(envs[key]),
		})
	}

	out, err := r.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:            aws.String(jobName),
		JobDefinition:      aws.String(def.Ref()),
		JobQueue:           aws.String(r.queue),
		ContainerOverrides: overrides,
	})
	if err != nil {
		return LaunchResult{}, awsapi.Wrap("SubmitJob", err)
	}
	jobID := aws.ToString(out.JobId)
	if jobID == "" {
		return LaunchResult{}, fmt.Errorf("SubmitJob: no job id returned for %s", jobName)
	}
	r.logger.Info("submitted batch job",
		"job_name", jobName,
		"job_id", jobID,
		"job_definition", def.Ref(),
		"queue", r.queue,
		"session_token", minted != nil,
	)
	return LaunchResult{
		Backend: ManagedCluster,
		Handle:  jobID,
		JobName: jobName,
		Status:  StatusSubmitted,
	}, nil
}
