package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/animus-labs/bundlerun/internal/runtimeexec"
)

// Artifact names a unit of scheduler-visible output.
type Artifact struct {
	Name string
	ID   string
}

// Task adapts a dispatch to a pipeline scheduler: it depends on nothing and
// produces exactly one artifact, the output bundle of this run.
type Task struct {
	dispatcher *Dispatcher
	req        Request
}

// NewTask fixes the output UUID up front so ProducedArtifacts is stable
// before and after Execute.
func NewTask(d *Dispatcher, req Request) *Task {
	req = req.clone()
	if req.OutputUUID == "" {
		req.OutputUUID = uuid.NewString()
	}
	return &Task{dispatcher: d, req: req}
}

func (t *Task) Name() string {
	return "run:" + t.req.Pipeline
}

func (t *Task) Dependencies() []Artifact {
	return []Artifact{}
}

func (t *Task) ProducedArtifacts() []Artifact {
	return []Artifact{{Name: t.Name(), ID: t.req.OutputUUID}}
}

// Execute dispatches the request. A missing local image is logged by the
// runner and is not a failure.
func (t *Task) Execute(ctx context.Context) error {
	if t == nil || t.dispatcher == nil {
		return errors.New("task not initialized")
	}
	result, err := t.dispatcher.Dispatch(ctx, t.req)
	if err != nil {
		return err
	}
	if result.Status == runtimeexec.StatusImageNotFound {
		t.dispatcher.logger.Warn("task finished without launching", "task", t.Name())
	}
	return nil
}
