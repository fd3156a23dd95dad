package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/animus-labs/bundlerun/internal/dispatch"
	"github.com/animus-labs/bundlerun/internal/runtimeexec"
)

type runOptions struct {
	backend             runtimeexec.Backend
	force               bool
	noPushInput         bool
	sessionTokenSeconds int32
	fetch               []string
	inputTags           []string
	outputTags          []string
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{backend: runtimeexec.Local}
	cmd := &cobra.Command{
		Use:   "run [flags] INPUT OUTPUT PIPELINE [PARAMS...]",
		Short: "Run a pipeline image on the selected backend.",
		Long: `Run dispatches one pipeline invocation. INPUT and OUTPUT name bundles;
use - for no input bundle or for the default output bundle. Everything after
PIPELINE is passed to the pipeline untouched.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := opts.backend
			if !cmd.Flags().Changed("backend") {
				configured, err := a.cfg.Backend()
				if err != nil {
					return &configError{err: err}
				}
				backend = configured
			}
			req := opts.request(backend, args)

			d, cleanup, err := a.newDispatcher(cmd.Context(), backend)
			if err != nil {
				return err
			}
			defer cleanup()

			task := dispatch.NewTask(d, req)
			if err := task.Execute(cmd.Context()); err != nil {
				return err
			}
			for _, artifact := range task.ProducedArtifacts() {
				fmt.Fprintf(a.stdout, "%s\t%s\n", artifact.Name, artifact.ID)
			}
			return nil
		},
	}

	opts.bind(cmd.Flags())
	return cmd
}

// bind registers the run flags. Interspersed flags are off so pipeline
// parameters that look like flags reach the pipeline.
func (o *runOptions) bind(flags *pflag.FlagSet) {
	flags.SetInterspersed(false)
	flags.Var(&o.backend, "backend", "Local, ManagedCluster, LocalManagedTraining or ManagedTraining; config decides when unset")
	flags.BoolVar(&o.force, "force", false, "re-run even if the output bundle already exists")
	flags.BoolVar(&o.noPushInput, "no-push-input", false, "do not push the input bundle before a remote run")
	flags.Int32Var(&o.sessionTokenSeconds, "use-session-token", 0, "inject credentials valid for this many seconds into remote jobs")
	flags.StringArrayVarP(&o.fetch, "fetch", "f", nil, "bundle to fetch before the run (repeatable)")
	flags.StringArrayVar(&o.inputTags, "input-tag", nil, "key:value tag selecting the input bundle (repeatable)")
	flags.StringArrayVar(&o.outputTags, "output-tag", nil, "key:value tag for the output bundle (repeatable)")
}

func (o *runOptions) request(backend runtimeexec.Backend, args []string) dispatch.Request {
	req := dispatch.Request{
		Backend:             backend,
		Force:               o.force,
		PushInput:           !o.noPushInput,
		SessionTokenSeconds: o.sessionTokenSeconds,
		Fetch:               o.fetch,
		InputTags:           o.inputTags,
		OutputTags:          o.outputTags,
	}
	if len(args) > 0 {
		req.InputBundle = args[0]
	}
	if len(args) > 1 {
		req.OutputBundle = args[1]
	}
	if len(args) > 2 {
		req.Pipeline = args[2]
		req.Params = args[3:]
	}
	return req
}
