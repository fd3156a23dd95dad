package jobdef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/animus-labs/bundlerun/internal/imageref"
	"github.com/animus-labs/bundlerun/internal/platform/awsapi"
)

const (
	DefaultVCPUs     = 1
	DefaultMemoryMiB = 2000

	statusActive = "ACTIVE"
)

// JobDefinition is a batch job definition. Revision 0 means "latest active",
// which is how a configured override without an explicit revision is sent.
type JobDefinition struct {
	Name      string
	Revision  int32
	Image     string
	VCPUs     int32
	MemoryMiB int32
}

// Ref is the name:revision form SubmitJob expects.
func (d JobDefinition) Ref() string {
	if d.Revision <= 0 {
		return d.Name
	}
	return d.Name + ":" + strconv.FormatInt(int64(d.Revision), 10)
}

type BatchAPI interface {
	batch.DescribeJobDefinitionsAPIClient
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
}

type ImageResolver interface {
	FullyQualified(ctx context.Context, pipeline string, training bool) (string, error)
}

type Config struct {
	// Override names a job definition to use as-is, optionally name:revision.
	Override  string
	VCPUs     int32
	MemoryMiB int32
}

// Registry finds the newest active job definition for a pipeline and
// registers one when none exists. It keeps no state between calls.
type Registry struct {
	batch  BatchAPI
	images ImageResolver
	cfg    Config
	logger *slog.Logger
}

func NewRegistry(client BatchAPI, images ImageResolver, cfg Config, logger *slog.Logger) (*Registry, error) {
	if client == nil {
		return nil, errors.New("batch client is required")
	}
	if images == nil {
		return nil, errors.New("image resolver is required")
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = DefaultVCPUs
	}
	if cfg.MemoryMiB <= 0 {
		cfg.MemoryMiB = DefaultMemoryMiB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{batch: client, images: images, cfg: cfg, logger: logger}, nil
}

func (r *Registry) ResolveOrCreate(ctx context.Context, pipeline string) (JobDefinition, error) {
	if r == nil || r.batch == nil {
		return JobDefinition{}, errors.New("job definition registry not initialized")
	}
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return JobDefinition{}, errors.New("pipeline is required")
	}

	if override := strings.TrimSpace(r.cfg.Override); override != "" {
		def, err := parseRef(override)
		if err != nil {
			return JobDefinition{}, err
		}
		r.logger.Info("using configured job definition", "job_definition", def.Ref())
		return def, nil
	}

	name := imageref.JobDefinitionName(pipeline)
	def, ok, err := r.Lookup(ctx, name)
	if err != nil {
		return JobDefinition{}, err
	}
	if ok {
		return def, nil
	}

	image, err := r.images.FullyQualified(ctx, pipeline, false)
	if err != nil {
		return JobDefinition{}, fmt.Errorf("resolve image for %s: %w", name, err)
	}
	registered, err := r.register(ctx, name, image)
	if err != nil {
		return JobDefinition{}, err
	}

	def, ok, err = r.Lookup(ctx, name)
	if err != nil {
		return JobDefinition{}, err
	}
	if !ok {
		return registered, nil
	}
	return def, nil
}

// Lookup returns the highest active revision of the named definition.
func (r *Registry) Lookup(ctx context.Context, name string) (JobDefinition, bool, error) {
	if r == nil || r.batch == nil {
		return JobDefinition{}, false, errors.New("job definition registry not initialized")
	}
	var best *batchtypes.JobDefinition
	pages := batch.NewDescribeJobDefinitionsPaginator(r.batch, &batch.DescribeJobDefinitionsInput{
		JobDefinitionName: aws.String(name),
		Status:            aws.String(statusActive),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return JobDefinition{}, false, awsapi.Wrap("DescribeJobDefinitions", err)
		}
		for i := range page.JobDefinitions {
			candidate := &page.JobDefinitions[i]
			if aws.ToString(candidate.JobDefinitionName) != name || aws.ToString(candidate.Status) != statusActive {
				continue
			}
			if best == nil || aws.ToInt32(candidate.Revision) > aws.ToInt32(best.Revision) {
				best = candidate
			}
		}
	}
	if best == nil {
		return JobDefinition{}, false, nil
	}
	return fromBatch(*best), true, nil
}

func (r *Registry) register(ctx context.Context, name, image string) (JobDefinition, error) {
	out, err := r.batch.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName: aws.String(name),
		Type:              batchtypes.JobDefinitionTypeContainer,
		ContainerProperties: &batchtypes.ContainerProperties{
			Image: aws.String(image),
			ResourceRequirements: []batchtypes.ResourceRequirement{
				{Type: batchtypes.ResourceTypeVcpu, Value: aws.String(strconv.FormatInt(int64(r.cfg.VCPUs), 10))},
				{Type: batchtypes.ResourceTypeMemory, Value: aws.String(strconv.FormatInt(int64(r.cfg.MemoryMiB), 10))},
			},
		},
	})
	if err != nil {
		return JobDefinition{}, awsapi.Wrap("RegisterJobDefinition", err)
	}
	def := JobDefinition{
		Name:      aws.ToString(out.JobDefinitionName),
		Revision:  aws.ToInt32(out.Revision),
		Image:     image,
		VCPUs:     r.cfg.VCPUs,
		MemoryMiB: r.cfg.MemoryMiB,
	}
	if def.Name == "" {
		def.Name = name
	}
	r.logger.Info("registered job definition", "job_definition", def.Ref(), "image", image)
	return def, nil
}

func fromBatch(in batchtypes.JobDefinition) JobDefinition {
	def := JobDefinition{
		Name:     aws.ToString(in.JobDefinitionName),
		Revision: aws.ToInt32(in.Revision),
	}
	if props := in.ContainerProperties; props != nil {
		def.Image = aws.ToString(props.Image)
		for _, req := range props.ResourceRequirements {
			n, err := strconv.ParseInt(aws.ToString(req.Value), 10, 32)
			if err != nil {
				continue
			}
			switch req.Type {
			case batchtypes.ResourceTypeVcpu:
				def.VCPUs = int32(n)
			case batchtypes.ResourceTypeMemory:
				def.MemoryMiB = int32(n)
			}
		}
	}
	return def
}

func parseRef(ref string) (JobDefinition, error) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.HasPrefix(ref, "arn:") {
		return JobDefinition{Name: ref}, nil
	}
	n, err := strconv.ParseInt(ref[i+1:], 10, 32)
	if err != nil || n <= 0 || i == 0 {
		return JobDefinition{}, fmt.Errorf("invalid job definition reference %q", ref)
	}
	return JobDefinition{Name: ref[:i], Revision: int32(n)}, nil
}
