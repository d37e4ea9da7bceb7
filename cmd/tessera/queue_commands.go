package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/api"
	"tessera/internal/daemonrun"
	"tessera/internal/notify"
	"tessera/internal/queue"
)

const defaultShowLogLimit = 20

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueuePositionCommand(ctx))
	queueCmd.AddCommand(newQueueEnqueueCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueFailCommand(ctx))
	queueCmd.AddCommand(newQueueSweepCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func parseStatuses(values []string) ([]queue.Status, error) {
	var statuses []queue.Status
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, nil
}

func parseEntryID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", value)
	}
	return id, nil
}

func parseEntryIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseEntryID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries in position order",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFlags)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				entries, err := api.NewQueueService(rt.Queue, rt.Store).List(runCtx, statuses...)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					if entries == nil {
						entries = []api.QueueEntry{}
					}
					return writeJSON(cmd, api.QueueListResponse{Entries: entries})
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{
					{Header: "ID", Align: alignRight},
					{Header: "Dataset"},
					{Header: "Status"},
					{Header: "Rank", Align: alignRight},
					{Header: "Attempts", Align: alignRight},
					{Header: "Worker"},
					{Header: "Updated"},
					{Header: "Last Error", MaxWidth: 48},
				}, buildQueueListRows(entries)))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	return cmd
}

func buildQueueListRows(entries []api.QueueEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rank := "-"
		if entry.Rank > 0 || entry.Status == string(queue.StatusProcessing) {
			rank = strconv.Itoa(entry.Rank)
		}
		rows = append(rows, []string{
			strconv.FormatInt(entry.ID, 10),
			entry.DatasetID,
			statusLabel(entry.Status),
			rank,
			strconv.Itoa(entry.Attempts),
			orDash(entry.ClaimedBy),
			displayTime(entry.UpdatedAt),
			orDash(truncate(entry.LastError, 120)),
		})
	}
	return rows
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				counts, err := api.NewQueueService(rt.Queue, rt.Store).Stats(runCtx)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, api.QueueStatsResponse{Counts: counts})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{{Header: "Status"}, {Header: "Count", Align: alignRight}},
					buildQueueStatsRows(counts),
				))
				return nil
			})
		},
	}
}

func buildQueueStatsRows(counts map[string]int) [][]string {
	rows := make([][]string, 0, len(counts))
	for _, status := range queue.AllStatuses() {
		rows = append(rows, []string{statusLabel(string(status)), formatCount(counts[string(status)])})
	}
	return rows
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var logLimit int

	cmd := &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show an entry with its dataset, artifacts, and recent log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				detail, err := api.NewQueueService(rt.Queue, rt.Store).Describe(runCtx, id, logLimit)
				if err != nil {
					return err
				}
				if detail == nil {
					return fmt.Errorf("entry %d: %w", id, queue.ErrNotFound)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, detail)
				}
				writeLines(cmd.OutOrStdout(), renderEntryDetail(detail, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&logLimit, "logs", defaultShowLogLimit, "Number of recent log lines to include")
	return cmd
}

func renderEntryDetail(detail *api.EntryDetail, colorize bool) []string {
	entry := detail.Entry
	lines := renderSectionHeader(fmt.Sprintf("Entry %d", entry.ID), colorize)
	lines = append(lines,
		fmt.Sprintf("Dataset:    %s", entry.DatasetID),
		fmt.Sprintf("Status:     %s", statusLabel(entry.Status)),
		fmt.Sprintf("Position:   %d (rank %d)", entry.Position, entry.Rank),
		fmt.Sprintf("Attempts:   %d", entry.Attempts),
	)
	if entry.ClaimedBy != "" {
		lines = append(lines, fmt.Sprintf("Claimed by: %s at %s", entry.ClaimedBy, displayTime(entry.ClaimedAt)))
	}
	if entry.AvailableAt != "" && entry.Status == string(queue.StatusPending) {
		lines = append(lines, fmt.Sprintf("Available:  %s", displayTime(entry.AvailableAt)))
	}
	if entry.LastError != "" {
		lines = append(lines, fmt.Sprintf("Last error: %s", entry.LastError))
	}

	if ds := detail.Dataset; ds != nil {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Dataset", colorize)...)
		lines = append(lines,
			fmt.Sprintf("Owner:      %s", ds.OwnerID),
			fmt.Sprintf("Filename:   %s", ds.Filename),
			fmt.Sprintf("Kind:       %s", ds.Kind),
			fmt.Sprintf("Raw path:   %s", ds.RawPath),
			fmt.Sprintf("Uploaded:   %s", displayTime(ds.UploadedAt)),
		)
	}

	if len(detail.Artifacts) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Artifacts", colorize)...)
		for _, artifact := range detail.Artifacts {
			lines = append(lines, fmt.Sprintf("%-10s %s (%s, %s)",
				artifact.Kind, artifact.StoragePath, formatBytes(artifact.SizeBytes), formatDimensions(artifact.Width, artifact.Height)))
		}
	}

	if len(detail.Logs) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderSectionHeader("Log", colorize)...)
		for _, entry := range detail.Logs {
			lines = append(lines, formatLogLine(entry))
		}
	}
	return lines
}

func formatLogLine(entry api.LogEntry) string {
	stage := entry.Stage
	if stage == "" {
		stage = "-"
	}
	return fmt.Sprintf("%s %-5s %-12s %s", displayTime(entry.CreatedAt), strings.ToUpper(entry.Severity), stage, entry.Message)
}

func newQueuePositionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "position <entry-id>",
		Short: "Show how many active entries are ahead of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				entry, err := rt.Queue.Get(runCtx, id)
				if err != nil {
					return err
				}
				rank, err := rt.Queue.PositionOf(runCtx, id)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]any{"id": id, "status": entry.Status, "rank": rank})
				}
				out := cmd.OutOrStdout()
				switch entry.Status {
				case queue.StatusPending:
					fmt.Fprintf(out, "Entry %d is number %d in line\n", id, rank)
				case queue.StatusProcessing:
					fmt.Fprintf(out, "Entry %d is processing on %s (%d active ahead)\n", id, orDash(entry.ClaimedBy), rank)
				default:
					fmt.Fprintf(out, "Entry %d is %s and no longer queued\n", id, statusLabel(string(entry.Status)))
				}
				return nil
			})
		},
	}
}

func newQueueEnqueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <dataset-id>",
		Short: "Queue an already registered dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				entry, err := enqueueDataset(runCtx, rt, strings.TrimSpace(args[0]))
				if errors.Is(err, queue.ErrDuplicateSubmission) {
					return fmt.Errorf("dataset %s already has an active entry", args[0])
				}
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, entry)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued entry %d at position %d\n", entry.ID, entry.Rank)
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [entry-id...]",
		Short: "Return dead-lettered or failed entries to pending",
		Long:  "Return dead-lettered or failed entries to pending with a fresh attempt budget. With no IDs every such entry is retried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseEntryIDs(args)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				count, err := rt.Queue.Retry(runCtx, ids...)
				if err != nil {
					return err
				}
				if count > 0 {
					_ = rt.Notifier.Publish(runCtx, notify.Event{Type: notify.EventReleased})
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]int64{"retried": count})
				}
				out := cmd.OutOrStdout()
				switch {
				case count == 0 && len(ids) > 0:
					fmt.Fprintln(out, "No matching entries are dead-lettered or failed")
				case count == 0:
					fmt.Fprintln(out, "Nothing to retry")
				default:
					fmt.Fprintf(out, "Retried %d entries\n", count)
				}
				return nil
			})
		},
	}
}

func newQueueFailCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <entry-id>",
		Short: "Mark a pending or dead-lettered entry as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				if err := rt.Queue.MarkFailed(runCtx, id, reason); err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]any{"id": id, "status": queue.StatusFailed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Entry %d marked failed\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded as the entry's last error")
	return cmd
}

func newQueueSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release processing entries whose claims have expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				released, err := rt.Manager.SweepStale(runCtx)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					out := make([]api.QueueEntry, 0, len(released))
					for i := range released {
						out = append(out, api.FromEntry(&released[i]))
					}
					return writeJSON(cmd, api.QueueListResponse{Entries: out})
				}
				out := cmd.OutOrStdout()
				if len(released) == 0 {
					fmt.Fprintln(out, "No stale claims")
					return nil
				}
				for _, entry := range released {
					fmt.Fprintf(out, "Released entry %d (%s) to %s\n", entry.ID, entry.DatasetID, statusLabel(string(entry.Status)))
				}
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check metadata store health (schema, table counts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				health, healthErr := rt.Store.CheckHealth(runCtx)
				if ctx.JSONMode() {
					if err := writeJSON(cmd, health); err != nil {
						return err
					}
					return healthErr
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Store: %s (%s)\n", health.Location, health.Dialect)
				fmt.Fprintf(out, "Reachable: %s\n", yesNo(health.Reachable))
				if len(health.SchemaVersions) > 0 {
					fmt.Fprintf(out, "Schema versions: %s\n", strings.Join(health.SchemaVersions, ", "))
				}
				if len(health.TableCounts) > 0 {
					rows := make([][]string, 0, len(health.TableCounts))
					for _, table := range []string{"datasets", "queue_entries", "derived_artifacts", "log_entries"} {
						if count, ok := health.TableCounts[table]; ok {
							rows = append(rows, []string{table, formatCount(count)})
						}
					}
					fmt.Fprint(out, renderTable([]column{{Header: "Table"}, {Header: "Rows", Align: alignRight}}, rows))
				}
				if health.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", health.Error)
				}
				return healthErr
			})
		},
	}
}
