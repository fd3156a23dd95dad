package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/bundlerun/internal/imageref"
	"github.com/animus-labs/bundlerun/internal/ledger"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
	"github.com/animus-labs/bundlerun/internal/storage/objectstore"
)

var (
	ErrNoRemote        = errors.New("no remote configured for the active context")
	ErrUnmappedBackend = errors.New("no runner for backend")
	ErrStagingFailed   = errors.New("staging input bundle failed")
)

// Bundles is the local context the dispatcher reads identifiers from and
// pushes inputs through.
type Bundles interface {
	Branch() string
	Remote() string
	Push(ctx context.Context, name string) (objectstore.Locator, error)
}

type Recorder interface {
	RecordLaunch(ctx context.Context, launch ledger.Launch) error
}

// Dispatcher runs Prepare, Stage and Launch for one request at a time. It
// holds no per-dispatch state, so one value serves concurrent callers.
type Dispatcher struct {
	bundles  Bundles
	runners  map[runtimeexec.Backend]runtimeexec.Runner
	recorder Recorder
	now      func() time.Time
	newUUID  func() string
	logger   *slog.Logger
}

// NewDispatcher maps each runner to its backend. Backends without a runner
// fail at dispatch time with ErrUnmappedBackend. recorder may be nil.
func NewDispatcher(bundles Bundles, runners []runtimeexec.Runner, recorder Recorder, logger *slog.Logger) (*Dispatcher, error) {
	if bundles == nil {
		return nil, errors.New("bundle context is required")
	}
	byBackend := make(map[runtimeexec.Backend]runtimeexec.Runner, len(runners))
	for _, r := range runners {
		if r == nil {
			return nil, errors.New("runner is nil")
		}
		b := r.Backend()
		if !b.Valid() {
			return nil, fmt.Errorf("%w: %v", runtimeexec.ErrUnknownBackend, b)
		}
		if _, dup := byBackend[b]; dup {
			return nil, fmt.Errorf("duplicate runner for backend %s", b)
		}
		byBackend[b] = r
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bundles:  bundles,
		runners:  byBackend,
		recorder: recorder,
		now:      time.Now,
		newUUID:  uuid.NewString,
		logger:   logger,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (runtimeexec.LaunchResult, error) {
	if d == nil {
		return runtimeexec.LaunchResult{}, errors.New("dispatcher not initialized")
	}
	req = req.clone()
	if err := req.Validate(); err != nil {
		return runtimeexec.LaunchResult{}, err
	}
	if !req.Backend.Valid() {
		return runtimeexec.LaunchResult{}, fmt.Errorf("%w: %v", runtimeexec.ErrUnknownBackend, req.Backend)
	}
	runner, ok := d.runners[req.Backend]
	if !ok {
		return runtimeexec.LaunchResult{}, fmt.Errorf("%w: %s", ErrUnmappedBackend, req.Backend)
	}
	log := d.logger.With("backend", req.Backend.String(), "pipeline", req.Pipeline)

	prepared, err := d.prepare(req)
	if err != nil {
		log.Error("dispatch aborted", "error", err)
		return runtimeexec.LaunchResult{}, err
	}
	args := BuildArgs(req, prepared)
	jobName := imageref.ImageName(req.Pipeline) + "-" + strconv.FormatInt(d.now().Unix(), 10)

	if err := d.stage(ctx, req); err != nil {
		log.Error("dispatch aborted", "error", err)
		return runtimeexec.LaunchResult{}, err
	}

	result, err := runner.Launch(ctx, runtimeexec.LaunchSpec{
		Pipeline:            req.Pipeline,
		JobName:             jobName,
		Args:                args,
		SessionTokenSeconds: req.SessionTokenSeconds,
	})
	if err != nil {
		log.Error("launch failed", "job_name", jobName, "error", err)
		return runtimeexec.LaunchResult{}, err
	}
	log.Info("launched",
		"job_name", result.JobName,
		"handle", result.Handle,
		"status", string(result.Status),
		"output_bundle_uuid", prepared.OutputUUID,
	)
	d.record(ctx, req, prepared, result)
	return result, nil
}

func (d *Dispatcher) prepare(req Request) (Prepared, error) {
	remote := strings.TrimSpace(d.bundles.Remote())
	if remote == "" {
		return Prepared{}, ErrNoRemote
	}
	outputUUID := strings.TrimSpace(req.OutputUUID)
	if outputUUID == "" {
		outputUUID = d.newUUID()
	}
	return Prepared{
		Branch:     d.bundles.Branch(),
		Remote:     remote,
		OutputUUID: outputUUID,
	}, nil
}

// stage pushes the input bundle for remote backends. It must finish before
// any remote resource is touched.
func (d *Dispatcher) stage(ctx context.Context, req Request) error {
	if !req.Backend.IsRemote() || !req.PushInput || req.InputBundle == NoInput {
		return nil
	}
	dst, err := d.bundles.Push(ctx, req.InputBundle)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStagingFailed, req.InputBundle, err)
	}
	d.logger.Info("staged input bundle", "bundle", req.InputBundle, "remote", dst.String())
	return nil
}

// record never fails the dispatch; the job is already running.
func (d *Dispatcher) record(ctx context.Context, req Request, p Prepared, result runtimeexec.LaunchResult) {
	if d.recorder == nil || result.Status == runtimeexec.StatusImageNotFound {
		return
	}
	err := d.recorder.RecordLaunch(ctx, ledger.Launch{
		Backend:    result.Backend.String(),
		Pipeline:   req.Pipeline,
		JobName:    result.JobName,
		Handle:     result.Handle,
		Status:     string(result.Status),
		OutputUUID: p.OutputUUID,
	})
	if err != nil {
		d.logger.Warn("record launch failed", "job_name", result.JobName, "error", err)
	}
}
