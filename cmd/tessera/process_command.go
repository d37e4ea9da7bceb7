package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tessera/internal/api"
	"tessera/internal/daemonrun"
	"tessera/internal/queue"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var once bool
	var limit int

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process queued entries in the foreground until the queue is drained",
		RunE: func(cmd *cobra.Command, args []string) error {
			if once {
				limit = 1
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				var processed []api.QueueEntry
				out := cmd.OutOrStdout()
				for limit <= 0 || len(processed) < limit {
					if err := runCtx.Err(); err != nil {
						return err
					}
					entry, err := rt.Manager.RunOnce(runCtx)
					if err != nil {
						return err
					}
					if entry == nil {
						break
					}
					processed = append(processed, api.FromEntry(entry))
					if !ctx.JSONMode() {
						fmt.Fprintln(out, describeOutcome(entry))
					}
				}
				if ctx.JSONMode() {
					if processed == nil {
						processed = []api.QueueEntry{}
					}
					return writeJSON(cmd, api.QueueListResponse{Entries: processed})
				}
				if len(processed) == 0 {
					fmt.Fprintln(out, "No claimable entries")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process at most one entry")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after N entries (0 for no limit)")
	return cmd
}

func describeOutcome(entry *queue.Entry) string {
	switch entry.Status {
	case queue.StatusDone:
		return fmt.Sprintf("Entry %d (%s): done after %d attempt(s)", entry.ID, entry.DatasetID, entry.Attempts)
	case queue.StatusPending:
		return fmt.Sprintf("Entry %d (%s): will retry, attempt %d failed: %s", entry.ID, entry.DatasetID, entry.Attempts, entry.LastError)
	default:
		return fmt.Sprintf("Entry %d (%s): %s: %s", entry.ID, entry.DatasetID, statusLabel(string(entry.Status)), orDash(entry.LastError))
	}
}
