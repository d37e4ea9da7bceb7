package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tessera/internal/api"
	"tessera/internal/daemonrun"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs <entry-id>",
		Short: "Show the persisted stage log for a queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				if _, err := rt.Queue.Get(runCtx, id); err != nil {
					return err
				}
				entries, err := rt.Store.ListLogs(runCtx, id, limit)
				if err != nil {
					return err
				}
				logs := api.FromLogEntries(entries)
				if ctx.JSONMode() {
					return writeJSON(cmd, logs)
				}
				out := cmd.OutOrStdout()
				if len(logs) == 0 {
					fmt.Fprintf(out, "No log entries for entry %d\n", id)
					return nil
				}
				for _, entry := range logs {
					fmt.Fprintln(out, formatLogLine(entry))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of lines to show (0 for all)")
	return cmd
}
