package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/animus-labs/bundlerun/internal/bundlectx"
	"github.com/animus-labs/bundlerun/internal/config"
	"github.com/animus-labs/bundlerun/internal/dispatch"
	"github.com/animus-labs/bundlerun/internal/imageref"
	"github.com/animus-labs/bundlerun/internal/jobdef"
	"github.com/animus-labs/bundlerun/internal/ledger"
	"github.com/animus-labs/bundlerun/internal/platform/awsauth"
	"github.com/animus-labs/bundlerun/internal/platform/postgres"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
	"github.com/animus-labs/bundlerun/internal/storage/objectstore"
)

// newDispatcher builds only the runner for backend, so settings for other
// backends are never required. Configuration is checked before any client
// talks to a remote service.
func (a *app) newDispatcher(ctx context.Context, backend runtimeexec.Backend) (*dispatch.Dispatcher, func(), error) {
	store, err := objectstore.NewStore(a.cfg.ObjectStore, a.logger)
	if err != nil {
		return nil, nil, &configError{err: fmt.Errorf("object store: %w", err)}
	}
	bundles, err := bundlectx.Load(a.cfg.Core.MetaDir, store, a.logger)
	if err != nil {
		return nil, nil, err
	}

	runner, err := newRunner(ctx, a.cfg, backend, a.logger)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	var recorder dispatch.Recorder
	if a.cfg.Database.Enabled() {
		launches, closeDB, err := openLedger(ctx, a.cfg.Database)
		if err != nil {
			// The ledger is optional; a run is never blocked on it.
			a.logger.Warn("launch ledger unavailable", "error", err)
		} else {
			recorder = launches
			cleanup = closeDB
		}
	}

	d, err := dispatch.NewDispatcher(bundles, []runtimeexec.Runner{runner}, recorder, a.logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return d, cleanup, nil
}

func newRunner(ctx context.Context, cfg config.Config, backend runtimeexec.Backend, logger *slog.Logger) (runtimeexec.Runner, error) {
	switch backend {
	case runtimeexec.Local, runtimeexec.LocalManagedTraining:
		r, err := runtimeexec.NewDockerRunner(cfg.DockerRunner(backend == runtimeexec.LocalManagedTraining), logger)
		if err != nil {
			return nil, err
		}
		return r, nil

	case runtimeexec.ManagedCluster:
		registry, err := cfg.RequireRegistry()
		if err != nil {
			return nil, err
		}
		queue, err := cfg.RequireBatchQueue()
		if err != nil {
			return nil, err
		}
		broker := awsauth.NewBroker(cfg.AWS, logger)
		awsCfg, err := broker.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		batchClient := batch.NewFromConfig(awsCfg)
		defs, err := jobdef.NewRegistry(batchClient, newImageResolver(awsCfg, cfg, registry, logger), cfg.JobDefinitions(), logger)
		if err != nil {
			return nil, err
		}
		r, err := runtimeexec.NewBatchRunner(batchClient, defs, broker.WithSTS(sts.NewFromConfig(awsCfg)), queue, logger)
		if err != nil {
			return nil, err
		}
		return r, nil

	case runtimeexec.ManagedTraining:
		registry, err := cfg.RequireRegistry()
		if err != nil {
			return nil, err
		}
		training, err := cfg.RequireTraining()
		if err != nil {
			return nil, err
		}
		awsCfg, err := awsauth.NewBroker(cfg.AWS, logger).AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		r, err := runtimeexec.NewTrainingRunner(sagemaker.NewFromConfig(awsCfg), newImageResolver(awsCfg, cfg, registry, logger), training, logger)
		if err != nil {
			return nil, &configError{err: err}
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %v", runtimeexec.ErrUnknownBackend, backend)
}

func newImageResolver(awsCfg aws.Config, cfg config.Config, registry string, logger *slog.Logger) *imageref.Resolver {
	return &imageref.Resolver{
		Registry:         registry,
		RepositoryPrefix: cfg.Docker.RepositoryPrefix,
		ECR:              ecr.NewFromConfig(awsCfg),
		Logger:           logger,
	}
}

func openLedger(ctx context.Context, dbCfg postgres.Config) (*ledger.Store, func(), error) {
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, nil, err
	}
	launches := ledger.NewStore(db)
	if err := launches.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return launches, func() { _ = db.Close() }, nil
}
