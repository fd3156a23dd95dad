package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend selects where a pipeline runs.
type Backend int

const (
	Local Backend = iota + 1
	ManagedCluster
	LocalManagedTraining
	ManagedTraining
)

var backendNames = map[Backend]string{
	Local:                "Local",
	ManagedCluster:       "ManagedCluster",
	LocalManagedTraining: "LocalManagedTraining",
	ManagedTraining:      "ManagedTraining",
}

// Older configuration files name the backends after the AWS services.
var legacyBackendNames = map[string]Backend{
	"awsbatch":       ManagedCluster,
	"localsagemaker": LocalManagedTraining,
	"sagemaker":      ManagedTraining,
}

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrImageNotFound  = errors.New("image not found")
)

func Backends() []Backend {
	return []Backend{Local, ManagedCluster, LocalManagedTraining, ManagedTraining}
}

// ParseBackend accepts the backend names case-insensitively.
func ParseBackend(raw string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	for b, name := range backendNames {
		if strings.ToLower(name) == key {
			return b, nil
		}
	}
	if b, ok := legacyBackendNames[key]; ok {
		return b, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, raw)
}

func (b Backend) String() string {
	if name, ok := backendNames[b]; ok {
		return name
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

func (b Backend) Valid() bool {
	_, ok := backendNames[b]
	return ok
}

// IsRemote reports whether the backend runs outside this machine and so
// needs its input bundle pushed first.
func (b Backend) IsRemote() bool {
	return b == ManagedCluster || b == ManagedTraining
}

// Set and Type let Backend be used as a command line flag.
func (b *Backend) Set(raw string) error {
	parsed, err := ParseBackend(raw)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b *Backend) Type() string {
	return "backend"
}

// Runner launches one prepared pipeline invocation on a backend.
type Runner interface {
	Backend() Backend
	Launch(ctx context.Context, spec LaunchSpec) (LaunchResult, error)
}

type LaunchSpec struct {
	Pipeline string
	JobName  string
	// Args is the full pipeline argument list, passed through unchanged.
	Args []string
	Env  map[string]string
	// SessionTokenSeconds > 0 asks remote runners to mint credentials.
	SessionTokenSeconds int32
}

type Status string

const (
	StatusCompleted     Status = "completed"
	StatusSubmitted     Status = "submitted"
	StatusImageNotFound Status = "image_not_found"
)

// LaunchResult describes a launch. Remote jobs are not polled after submission.
type LaunchResult struct {
	Backend Backend
	Handle  string
	JobName string
	Status  Status
}
