package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/api"
	"tessera/internal/config"
	"tessera/internal/daemonrun"
	"tessera/internal/metastore"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/workflow"
)

func newDatasetCommand(ctx *commandContext) *cobra.Command {
	datasetCmd := &cobra.Command{
		Use:     "dataset",
		Aliases: []string{"datasets"},
		Short:   "Register and inspect uploaded rasters",
	}

	datasetCmd.AddCommand(newDatasetAddCommand(ctx))
	datasetCmd.AddCommand(newDatasetListCommand(ctx))
	datasetCmd.AddCommand(newDatasetArtifactsCommand(ctx))

	return datasetCmd
}

type datasetAddResult struct {
	Dataset *api.Dataset    `json:"dataset"`
	Entry   *api.QueueEntry `json:"entry,omitempty"`
}

func newDatasetAddCommand(ctx *commandContext) *cobra.Command {
	var (
		id          string
		owner       string
		name        string
		categorical bool
		noEnqueue   bool
	)

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register an uploaded raster and queue it for processing",
		Long: "Register an uploaded raster and queue it for processing.\n\n" +
			"The path is a local file, or " + workflow.RemotePrefix + "<relative path> for a raw upload already in the archive.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawPath, err := resolveRawPath(args[0])
			if err != nil {
				return err
			}
			filename := strings.TrimSpace(name)
			if filename == "" {
				filename = filepath.Base(strings.TrimPrefix(rawPath, workflow.RemotePrefix))
			}
			kind := metastore.KindContinuous
			if categorical {
				kind = metastore.KindCategorical
			}
			input := metastore.DatasetInput{
				ID:       id,
				OwnerID:  defaultOwner(owner),
				Filename: filename,
				RawPath:  rawPath,
				Kind:     kind,
			}

			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				dataset, err := rt.Store.RegisterDataset(runCtx, input)
				if err != nil {
					return err
				}
				result := datasetAddResult{Dataset: api.FromDataset(dataset)}
				if !noEnqueue {
					entry, err := enqueueDataset(runCtx, rt, dataset.ID)
					if err != nil {
						return err
					}
					result.Entry = entry
				}

				if ctx.JSONMode() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered dataset %s (%s, %s)\n", dataset.ID, dataset.Filename, dataset.Kind)
				if result.Entry != nil {
					fmt.Fprintf(out, "Queued as entry %d at position %d\n", result.Entry.ID, result.Entry.Rank)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Dataset identifier (generated when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owning user (defaults to the current user)")
	cmd.Flags().StringVar(&name, "name", "", "Original filename (defaults to the path's base name)")
	cmd.Flags().BoolVar(&categorical, "categorical", false, "Raster holds class labels; resample with nearest neighbour")
	cmd.Flags().BoolVar(&noEnqueue, "no-enqueue", false, "Register without queueing")
	return cmd
}

func resolveRawPath(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("raster path is required")
	}
	if strings.HasPrefix(arg, workflow.RemotePrefix) {
		if strings.TrimPrefix(arg, workflow.RemotePrefix) == "" {
			return "", fmt.Errorf("remote path %q is empty", arg)
		}
		return arg, nil
	}
	expanded, err := config.ExpandPath(arg)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("raster %s: %w", expanded, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("raster %s is not a regular file", expanded)
	}
	return expanded, nil
}

func defaultOwner(owner string) string {
	if owner = strings.TrimSpace(owner); owner != "" {
		return owner
	}
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return "operator"
}

// enqueueDataset queues datasetID, wakes idle workers, and returns the entry
// with its rank.
func enqueueDataset(ctx context.Context, rt *daemonrun.Runtime, datasetID string) (*api.QueueEntry, error) {
	entry, err := rt.Queue.Enqueue(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	_ = rt.Notifier.Publish(ctx, notify.Event{
		Type:      notify.EventEnqueued,
		EntryID:   entry.ID,
		DatasetID: entry.DatasetID,
		Position:  entry.Position,
	})
	dto := api.FromEntry(entry)
	rank, err := rt.Queue.PositionOf(ctx, entry.ID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return nil, err
	}
	dto.Rank = rank
	return &dto, nil
}

func newDatasetListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				datasets, err := rt.Store.ListDatasets(runCtx)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					out := make([]*api.Dataset, 0, len(datasets))
					for i := range datasets {
						out = append(out, api.FromDataset(&datasets[i]))
					}
					return writeJSON(cmd, out)
				}
				if len(datasets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No datasets registered")
					return nil
				}
				rows := make([][]string, 0, len(datasets))
				for _, ds := range datasets {
					rows = append(rows, []string{ds.ID, ds.OwnerID, ds.Filename, ds.Kind, formatTimestamp(ds.UploadedAt)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{
					{Header: "ID"},
					{Header: "Owner"},
					{Header: "Filename", MaxWidth: 40},
					{Header: "Kind"},
					{Header: "Uploaded"},
				}, rows))
				return nil
			})
		},
	}
}

func newDatasetArtifactsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <dataset-id>",
		Short: "List archived artifacts for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				datasetID := strings.TrimSpace(args[0])
				if _, err := rt.Store.GetDataset(runCtx, datasetID); err != nil {
					return err
				}
				artifacts, err := rt.Store.ListArtifacts(runCtx, datasetID)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, api.FromArtifacts(artifacts))
				}
				if len(artifacts) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No artifacts recorded for %s\n", datasetID)
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderArtifactTable(artifacts))
				return nil
			})
		},
	}
}

func renderArtifactTable(artifacts []metastore.DerivedArtifact) string {
	rows := make([][]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		rows = append(rows, []string{
			string(artifact.Kind),
			fmt.Sprintf("%d", artifact.EntryID),
			artifact.StoragePath,
			formatBytes(artifact.SizeBytes),
			formatDimensions(artifact.Width, artifact.Height),
			formatTimestamp(artifact.CreatedAt),
		})
	}
	return renderTable([]column{
		{Header: "Kind"},
		{Header: "Entry", Align: alignRight},
		{Header: "Path", MaxWidth: 60},
		{Header: "Size", Align: alignRight},
		{Header: "Dimensions", Align: alignRight},
		{Header: "Created"},
	}, rows)
}
