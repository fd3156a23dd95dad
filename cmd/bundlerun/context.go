package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/bundlerun/internal/bundlectx"
)

func newContextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show the active bundle context, its branch and remote.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := bundlectx.Load(a.cfg.Core.MetaDir, nil, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "context\t%s\nbranch\t%s\nremote\t%s\n", c.Name(), c.Branch(), c.Remote())
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "switch NAME",
			Short: "Make NAME the active context.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := bundlectx.Load(a.cfg.Core.MetaDir, nil, a.logger)
				if err != nil {
					return err
				}
				return c.Switch(args[0])
			},
		},
		&cobra.Command{
			Use:   "remote URL",
			Short: "Bind the active context to an s3:// remote.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := bundlectx.Load(a.cfg.Core.MetaDir, nil, a.logger)
				if err != nil {
					return err
				}
				return c.SetRemote(args[0])
			},
		},
	)
	return cmd
}
