package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/bundlerun/internal/ledger"
)

var errNoDatabase = errors.New("launch history needs BUNDLERUN_DATABASE_URL")

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [PIPELINE]",
		Short: "List recorded launches, newest first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Database.Enabled() {
				return &configError{err: errNoDatabase}
			}
			launches, closeDB, err := openLedger(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer closeDB()

			pipeline := ""
			if len(args) == 1 {
				pipeline = args[0]
			}
			rows, err := launches.List(cmd.Context(), pipeline, limit)
			if err != nil {
				return err
			}
			return writeHistory(a, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultListLimit, "maximum number of launches to show")
	return cmd
}

func writeHistory(a *app, rows []ledger.Launch) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tBACKEND\tPIPELINE\tJOB\tHANDLE\tSTATUS\tOUTPUT")
	for _, l := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.CreatedAt.Format(time.RFC3339), l.Backend, l.Pipeline, l.JobName, l.Handle, l.Status, l.OutputUUID)
	}
	return tw.Flush()
}
