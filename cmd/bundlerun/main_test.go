package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"

	"github.com/animus-labs/bundlerun/internal/config"
	"github.com/animus-labs/bundlerun/internal/dispatch"
	"github.com/animus-labs/bundlerun/internal/ledger"
	"github.com/animus-labs/bundlerun/internal/platform/awsauth"
	platformstore "github.com/animus-labs/bundlerun/internal/platform/objectstore"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
)

func TestRunFlagsStopAtFirstPositional(t *testing.T) {
	opts := &runOptions{backend: runtimeexec.Local}
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	opts.bind(flags)
	err := flags.Parse([]string{
		"--backend", "AWSBatch",
		"--force",
		"--use-session-token", "900",
		"-f", "lookup",
		"--input-tag", "team:ml",
		"in", "-", "pkg.Train", "--alpha", "0.1",
	})
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if !flags.Changed("backend") {
		t.Fatalf("backend flag not marked changed")
	}

	req := opts.request(opts.backend, flags.Args())
	want := dispatch.Request{
		InputBundle:         "in",
		OutputBundle:        "-",
		Pipeline:            "pkg.Train",
		Params:              []string{"--alpha", "0.1"},
		Backend:             runtimeexec.ManagedCluster,
		Force:               true,
		PushInput:           true,
		SessionTokenSeconds: 900,
		Fetch:               []string{"lookup"},
		InputTags:           []string{"team:ml"},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestRunRejectsUnknownBackendFlag(t *testing.T) {
	opts := &runOptions{}
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	opts.bind(flags)
	if err := flags.Parse([]string{"--backend", "Mainframe", "in", "out", "p"}); err == nil {
		t.Fatalf("Parse() expected unknown backend error")
	}
}

func TestRunOptionsRequestNoPush(t *testing.T) {
	opts := &runOptions{noPushInput: true}
	req := opts.request(runtimeexec.ManagedTraining, []string{"-", "out", "p"})
	if req.PushInput || req.InputBundle != dispatch.NoInput || len(req.Params) != 0 {
		t.Fatalf("request()=%+v", req)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.Config{Log: config.Log{Format: "text", Level: "warn"}}, &buf)
	if err != nil {
		t.Fatalf("newLogger() err=%v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "k=v") {
		t.Fatalf("text logger output=%q", out)
	}

	buf.Reset()
	logger, err = newLogger(config.Config{Log: config.Log{Format: "json", Level: "info"}}, &buf)
	if err != nil {
		t.Fatalf("newLogger() err=%v", err)
	}
	logger.Info("shown")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("json logger output=%q", buf.String())
	}

	if _, err := newLogger(config.Config{Log: config.Log{Level: "loud"}}, &buf); err == nil {
		t.Fatalf("newLogger() expected bad level error")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("docker run failed"), 1},
		{&configError{err: errors.New("bad")}, 2},
		{fmt.Errorf("wrap: %w", config.ErrMissingKey), 2},
		{fmt.Errorf("%w: %q", awsauth.ErrUnknownProfile, "typo"), 2},
		{fmt.Errorf("wrap: %w", runtimeexec.ErrUnknownBackend), 2},
		{dispatch.ErrNoRemote, 2},
		{fmt.Errorf("%w: Local", dispatch.ErrUnmappedBackend), 2},
		{fmt.Errorf("%w: in", dispatch.ErrStagingFailed), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v)=%d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestContextCommands(t *testing.T) {
	t.Setenv("BUNDLERUN_META_DIR", t.TempDir())
	t.Setenv("BUNDLERUN_CONFIG", "")
	t.Setenv("BUNDLERUN_LOG_FORMAT", "text")

	run := func(args ...string) (string, error) {
		var out, errOut bytes.Buffer
		root := newRootCmd(&out)
		root.SetErr(&errOut)
		root.SetArgs(args)
		err := root.Execute()
		return out.String(), err
	}

	if _, err := run("context", "remote", "s3://bucket/r"); err == nil {
		t.Fatalf("remote without a context expected error")
	}
	if _, err := run("context", "switch", "dev"); err != nil {
		t.Fatalf("context switch err=%v", err)
	}
	if _, err := run("context", "remote", "s3://bucket/r"); err != nil {
		t.Fatalf("context remote err=%v", err)
	}
	out, err := run("context")
	if err != nil {
		t.Fatalf("context err=%v", err)
	}
	for _, want := range []string{"context\tdev", "branch\tdev", "remote\ts3://bucket/r"} {
		if !strings.Contains(out, want) {
			t.Fatalf("context output=%q, missing %q", out, want)
		}
	}

	t.Setenv("BUNDLERUN_DATABASE_URL", "")
	if _, err := run("history"); exitCode(err) != 2 {
		t.Fatalf("history without database err=%v, want configuration error", err)
	}
}

func TestWriteHistory(t *testing.T) {
	var buf bytes.Buffer
	err := writeHistory(&app{stdout: &buf}, []ledger.Launch{{
		Backend:    "ManagedCluster",
		Pipeline:   "pkg.Train",
		JobName:    "bundlerun-pkg-train-1",
		Handle:     "job-1",
		Status:     "submitted",
		OutputUUID: "u-1",
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("writeHistory() err=%v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "2024-01-02T03:04:05Z") || !strings.Contains(lines[1], "job-1") {
		t.Fatalf("writeHistory() output=%q", buf.String())
	}
}

func stubDocker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub docker: %v", err)
	}
	return path
}

func TestNewRunnerNeedsOnlySelectedBackendSettings(t *testing.T) {
	docker := config.Docker{Registry: "123.dkr.ecr.us-east-1.amazonaws.com", Bin: stubDocker(t)}
	cases := []struct {
		name    string
		backend runtimeexec.Backend
		cfg     config.Config
		wantErr error
	}{
		{
			name:    "local without batch or training keys",
			backend: runtimeexec.Local,
			cfg:     config.Config{Docker: config.Docker{Bin: docker.Bin}},
		},
		{
			name:    "local training without training keys",
			backend: runtimeexec.LocalManagedTraining,
			cfg:     config.Config{Docker: config.Docker{Bin: docker.Bin}},
		},
		{
			name:    "cluster without batch queue",
			backend: runtimeexec.ManagedCluster,
			cfg:     config.Config{Docker: docker},
			wantErr: config.ErrMissingKey,
		},
		{
			name:    "cluster without registry",
			backend: runtimeexec.ManagedCluster,
			cfg:     config.Config{Run: config.Run{BatchQueue: "jobs"}},
			wantErr: config.ErrMissingKey,
		},
		{
			name:    "training without role",
			backend: runtimeexec.ManagedTraining,
			cfg: config.Config{Docker: docker, Run: config.Run{
				TrainingInputURI:          "s3://in/",
				TrainingOutputURI:         "s3://out/",
				TrainingInstanceType:      "ml.m5.large",
				TrainingInstanceCount:     1,
				TrainingVolumeSizeGB:      10,
				TrainingMaxRuntimeSeconds: 60,
			}},
			wantErr: config.ErrMissingKey,
		},
		{
			name:    "unknown backend",
			backend: runtimeexec.Backend(42),
			wantErr: runtimeexec.ErrUnknownBackend,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tc := range cases {
		r, err := newRunner(context.Background(), tc.cfg, tc.backend, logger)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: newRunner() err=%v, want %v", tc.name, err, tc.wantErr)
			}
			if got := exitCode(err); got != 2 {
				t.Fatalf("%s: exitCode()=%d, want 2", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: newRunner() err=%v", tc.name, err)
		}
		if r.Backend() != tc.backend {
			t.Fatalf("%s: Backend()=%v, want %v", tc.name, r.Backend(), tc.backend)
		}
	}
}

func TestNewDispatcherLocal(t *testing.T) {
	a := &app{
		cfg: config.Config{
			Core:        config.Core{MetaDir: t.TempDir()},
			Docker:      config.Docker{Bin: stubDocker(t)},
			ObjectStore: platformstore.Config{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"},
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		stdout: io.Discard,
	}
	d, cleanup, err := a.newDispatcher(context.Background(), runtimeexec.Local)
	if err != nil {
		t.Fatalf("newDispatcher() err=%v", err)
	}
	defer cleanup()
	if d == nil {
		t.Fatalf("newDispatcher() returned nil dispatcher")
	}

	_, _, err = a.newDispatcher(context.Background(), runtimeexec.ManagedCluster)
	if !errors.Is(err, config.ErrMissingKey) || exitCode(err) != 2 {
		t.Fatalf("newDispatcher(ManagedCluster) err=%v, want missing key", err)
	}
}
