package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/bundlerun/internal/config"
	"github.com/animus-labs/bundlerun/internal/dispatch"
	"github.com/animus-labs/bundlerun/internal/platform/awsauth"
	"github.com/animus-labs/bundlerun/internal/platform/env"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		slog.Error("bundlerun failed", "error", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	stdout     io.Writer
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{stdout: stdout}
	root := &cobra.Command{
		Use:           "bundlerun",
		Short:         "Dispatch containerized pipelines to local docker, a batch queue or managed training.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", env.String("BUNDLERUN_CONFIG", ""),
		"config file (.yaml, .toml, .ini or .cfg); env BUNDLERUN_CONFIG")

	root.AddCommand(newRunCmd(a), newContextCmd(a), newHistoryCmd(a))
	return root
}

func (a *app) init(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &configError{err: err}
	}
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return &configError{err: err}
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(cfg.Log.Format), "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

type configError struct {
	err error
}

func (e *configError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.err)
}

func (e *configError) Unwrap() error {
	return e.err
}

// exitCode maps configuration problems to 2 and everything else to 1.
func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &cfgErr),
		errors.Is(err, config.ErrMissingKey),
		errors.Is(err, awsauth.ErrUnknownProfile),
		errors.Is(err, runtimeexec.ErrUnknownBackend),
		errors.Is(err, dispatch.ErrNoRemote),
		errors.Is(err, dispatch.ErrUnmappedBackend):
		return 2
	default:
		return 1
	}
}
