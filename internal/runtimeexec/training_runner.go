package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"

	"github.com/animus-labs/bundlerun/internal/platform/awsapi"
	"github.com/animus-labs/bundlerun/internal/storage/objectstore"
)

const (
	trainingChannel     = "bundlerun_input_blackhole"
	trainingContentType = "application/javascript"
	trainingTagUser     = "bundlerun"
)

type TrainingAPI interface {
	CreateTrainingJob(ctx context.Context, params *sagemaker.CreateTrainingJobInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateTrainingJobOutput, error)
}

type ImageResolver interface {
	FullyQualified(ctx context.Context, pipeline string, training bool) (string, error)
}

type TrainingConfig struct {
	RoleARN           string
	InputURI          string
	OutputURI         string
	InstanceType      string
	InstanceCount     int32
	VolumeSizeGB      int32
	MaxRuntimeSeconds int32
}

func (c TrainingConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.RoleARN) == "":
		return errors.New("training role arn is required")
	case strings.TrimSpace(c.InstanceType) == "":
		return errors.New("training instance type is required")
	case c.InstanceCount < 1:
		return errors.New("training instance count must be >= 1")
	case c.VolumeSizeGB < 1:
		return errors.New("training volume size must be >= 1")
	case c.MaxRuntimeSeconds < 1:
		return errors.New("training max runtime must be >= 1")
	}
	if _, err := objectstore.ParseLocator(c.InputURI); err != nil {
		return fmt.Errorf("training input uri: %w", err)
	}
	if _, err := objectstore.ParseLocator(c.OutputURI); err != nil {
		return fmt.Errorf("training output uri: %w", err)
	}
	return nil
}

// TrainingRunner creates managed training jobs. The argument list travels as
// a hyperparameter and the container is started with the train directive.
type TrainingRunner struct {
	client TrainingAPI
	images ImageResolver
	cfg    TrainingConfig
	output objectstore.Locator
	logger *slog.Logger
}

func NewTrainingRunner(client TrainingAPI, images ImageResolver, cfg TrainingConfig, logger *slog.Logger) (*TrainingRunner, error) {
	if client == nil {
		return nil, errors.New("training client is required")
	}
	if images == nil {
		return nil, errors.New("image resolver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	output, _ := objectstore.ParseLocator(cfg.OutputURI)
	if logger == nil {
		logger = slog.Default()
	}
	return &TrainingRunner{client: client, images: images, cfg: cfg, output: output, logger: logger}, nil
}

func (r *TrainingRunner) Backend() Backend {
	return ManagedTraining
}

func (r *TrainingRunner) Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error) {
	if r == nil || r.client == nil {
		return LaunchResult{}, errors.New("training runner not initialized")
	}
	jobName := SanitizeJobName(spec.JobName)
	if jobName == "" {
		return LaunchResult{}, errors.New("job name is required")
	}

	params, err := hyperparameters(spec.Args)
	if err != nil {
		return LaunchResult{}, err
	}
	image, err := r.images.FullyQualified(ctx, spec.Pipeline, true)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("resolve training image: %w", err)
	}

	out, err := r.client.CreateTrainingJob(ctx, r.trainingInput(jobName, image, params))
	if err != nil {
		return LaunchResult{}, awsapi.Wrap("CreateTrainingJob", err)
	}
	arn := aws.ToString(out.TrainingJobArn)
	r.logger.Info("created training job", "job_name", jobName, "training_job_arn", arn, "image", image)
	return LaunchResult{
		Backend: ManagedTraining,
		Handle:  arn,
		JobName: jobName,
		Status:  StatusSubmitted,
	}, nil
}

func (r *TrainingRunner) trainingInput(jobName, image string, params map[string]string) *sagemaker.CreateTrainingJobInput {
	return &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(jobName),
		HyperParameters: params,
		AlgorithmSpecification: &smtypes.AlgorithmSpecification{
			TrainingImage:     aws.String(image),
			TrainingInputMode: smtypes.TrainingInputModeFile,
		},
		RoleArn: aws.String(r.cfg.RoleARN),
		InputDataConfig: []smtypes.Channel{{
			ChannelName: aws.String(trainingChannel),
			DataSource: &smtypes.DataSource{
				S3DataSource: &smtypes.S3DataSource{
					S3DataType:             smtypes.S3DataTypeS3Prefix,
					S3Uri:                  aws.String(r.cfg.InputURI),
					S3DataDistributionType: smtypes.S3DataDistributionFullyReplicated,
				},
			},
			ContentType:       aws.String(trainingContentType),
			CompressionType:   smtypes.CompressionTypeNone,
			RecordWrapperType: smtypes.RecordWrapperNone,
		}},
		OutputDataConfig: &smtypes.OutputDataConfig{
			S3OutputPath: aws.String(r.output.Join(jobName).String()),
		},
		ResourceConfig: &smtypes.ResourceConfig{
			InstanceType:   smtypes.TrainingInstanceType(r.cfg.InstanceType),
			InstanceCount:  aws.Int32(r.cfg.InstanceCount),
			VolumeSizeInGB: aws.Int32(r.cfg.VolumeSizeGB),
		},
		StoppingCondition: &smtypes.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int32(r.cfg.MaxRuntimeSeconds),
		},
		Tags: []smtypes.Tag{
			{Key: aws.String("user"), Value: aws.String(trainingTagUser)},
			{Key: aws.String("job"), Value: aws.String(jobName)},
		},
	}
}
