package imageref

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/animus-labs/bundlerun/internal/platform/awsapi"
)

// ECRRegistry as the registry root means "create or find the repository in
// the account's ECR registry".
const ECRRegistry = "*ECR*"

const (
	imagePrefix    = "bundlerun"
	trainingSuffix = "-training"
	jobDefSuffix   = "-job-definition"
)

// ImageName is the local image name built for a pipeline, e.g.
// "pkg.module.Train" -> "bundlerun-pkg-module-train".
func ImageName(pipeline string) string {
	return imagePrefix + "-" + slug(pipeline)
}

func TrainingImageName(pipeline string) string {
	return ImageName(pipeline) + trainingSuffix
}

func JobDefinitionName(pipeline string) string {
	return ImageName(pipeline) + jobDefSuffix
}

// RepositoryName joins an optional prefix to the image name.
func RepositoryName(prefix, pipeline string, training bool) string {
	image := ImageName(pipeline)
	if training {
		image = TrainingImageName(pipeline)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return image
	}
	return prefix + "/" + image
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

type ECRAPI interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
}

// Resolver turns a pipeline identity into a fully qualified repository name.
type Resolver struct {
	Registry         string
	RepositoryPrefix string
	ECR              ECRAPI
	Logger           *slog.Logger
}

func (r *Resolver) FullyQualified(ctx context.Context, pipeline string, training bool) (string, error) {
	if r == nil {
		return "", errors.New("image resolver not initialized")
	}
	if strings.TrimSpace(pipeline) == "" {
		return "", errors.New("pipeline is required")
	}
	registry := strings.Trim(strings.TrimSpace(r.Registry), "/")
	if registry == "" {
		return "", errors.New("docker registry is required")
	}
	repo := RepositoryName(r.RepositoryPrefix, pipeline, training)

	var fq string
	if registry == ECRRegistry {
		uri, err := r.ecrRepositoryURI(ctx, repo)
		if err != nil {
			return "", err
		}
		fq = uri
	} else {
		fq = registry + "/" + repo
	}
	parsed, err := name.NewRepository(fq)
	if err != nil {
		return "", fmt.Errorf("invalid repository %q: %w", fq, err)
	}
	return parsed.Name(), nil
}

func (r *Resolver) ecrRepositoryURI(ctx context.Context, repo string) (string, error) {
	if r.ECR == nil {
		return "", errors.New("ecr client is required for registry " + ECRRegistry)
	}
	out, err := r.ECR.CreateRepository(ctx, &ecr.CreateRepositoryInput{RepositoryName: aws.String(repo)})
	if err == nil {
		if out.Repository == nil {
			return "", errors.New("CreateRepository: empty repository")
		}
		r.logger().Info("created ecr repository", "repository", repo)
		return aws.ToString(out.Repository.RepositoryUri), nil
	}
	var exists *ecrtypes.RepositoryAlreadyExistsException
	if !errors.As(err, &exists) {
		return "", awsapi.Wrap("CreateRepository", err)
	}
	desc, err := r.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{repo}})
	if err != nil {
		return "", awsapi.Wrap("DescribeRepositories", err)
	}
	if len(desc.Repositories) == 0 {
		return "", fmt.Errorf("DescribeRepositories: repository %q not returned", repo)
	}
	return aws.ToString(desc.Repositories[0].RepositoryUri), nil
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
