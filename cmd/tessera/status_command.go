package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tessera/internal/api"
	"tessera/internal/apiclient"
	"tessera/internal/daemonrun"
	"tessera/internal/deps"
	"tessera/internal/preflight"
	"tessera/internal/scratch"
)

type checkResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	ConfigPath   string                 `json:"configPath"`
	Daemon       *api.DaemonStatus      `json:"daemon,omitempty"`
	DaemonError  string                 `json:"daemonError,omitempty"`
	Checks       []checkResult          `json:"checks"`
	Dependencies []api.DependencyStatus `json:"dependencies"`
	QueueStats   map[string]int         `json:"queueStats"`
	StageHealth  []api.StageHealth      `json:"stageHealth"`
	ScratchDirs  int                    `json:"scratchDirs"`
	ScratchBytes int64                  `json:"scratchBytes"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report configuration, dependency, and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(runCtx context.Context, rt *daemonrun.Runtime) error {
				report := statusReport{ConfigPath: ctx.configPath}
				for _, result := range preflight.RunAll(runCtx, rt.Config, rt.Store) {
					report.Checks = append(report.Checks, checkResult(result))
				}
				report.Dependencies = dependencyStatuses(preflight.CheckSystemDeps(runCtx, rt.Config))

				summary := rt.Manager.Status(runCtx)
				report.QueueStats = api.MergeQueueStats(summary.QueueStats)
				report.StageHealth = api.StageHealthSlice(summary.StageHealth)
				if dirs, err := scratch.ListDirectories(rt.Config.Paths.ScratchDir); err == nil {
					report.ScratchDirs = len(dirs)
					for _, dir := range dirs {
						report.ScratchBytes += dir.Size
					}
				}

				if client, err := apiclient.New(rt.Config.Paths.APIBind, rt.Config.Paths.APIToken); err == nil && client != nil {
					daemonStatus, err := client.Status(runCtx)
					if err != nil {
						report.DaemonError = err.Error()
					} else {
						report.Daemon = &daemonStatus
					}
				}

				if ctx.JSONMode() {
					return writeJSON(cmd, report)
				}
				writeLines(cmd.OutOrStdout(), renderStatusReport(report, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
}

func dependencyStatuses(statuses []deps.Status) []api.DependencyStatus {
	out := make([]api.DependencyStatus, 0, len(statuses))
	for _, dep := range statuses {
		detail := dep.Detail
		if detail == "" {
			detail = dep.Version
		}
		out = append(out, api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      detail,
		})
	}
	return out
}

func renderStatusReport(report statusReport, colorize bool) []string {
	lines := renderSectionHeader("Tessera", colorize)
	lines = append(lines, renderStatusLine("Config", statusInfo, orDash(report.ConfigPath), colorize))
	lines = append(lines, daemonStatusLine(report, colorize))
	lines = append(lines, renderStatusLine("Scratch", statusInfo,
		fmt.Sprintf("%s entry directories, %s", formatCount(report.ScratchDirs), formatBytes(report.ScratchBytes)), colorize))

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Checks", colorize)...)
	for _, check := range report.Checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
	lines = append(lines, dependencyLines(report.Dependencies, colorize)...)

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Stages", colorize)...)
	for _, health := range report.StageHealth {
		kind := statusOK
		message := "Ready"
		if !health.Ready {
			kind = statusError
			message = orDash(health.Detail)
		}
		lines = append(lines, renderStatusLine(health.Name, kind, message, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Queue", colorize)...)
	lines = append(lines, strings.Split(strings.TrimRight(renderTable(
		[]column{{Header: "Status"}, {Header: "Count", Align: alignRight}},
		buildQueueStatsRows(report.QueueStats),
	), "\n"), "\n")...)
	return lines
}

func daemonStatusLine(report statusReport, colorize bool) string {
	switch {
	case report.Daemon != nil && report.Daemon.Workflow.Halted != "":
		return renderStatusLine("Daemon", statusError, "Halted: "+report.Daemon.Workflow.Halted, colorize)
	case report.Daemon != nil && report.Daemon.Running:
		return renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running as %s (pid %d)", report.Daemon.Workflow.WorkerID, report.Daemon.PID), colorize)
	case report.Daemon != nil:
		return renderStatusLine("Daemon", statusWarn, "Reachable but not running", colorize)
	case report.DaemonError != "":
		return renderStatusLine("Daemon", statusInfo, "Not reachable via status API", colorize)
	default:
		return renderStatusLine("Daemon", statusInfo, "Status API disabled", colorize)
	}
}

func dependencyLines(deps []api.DependencyStatus, colorize bool) []string {
	lines := make([]string, 0, len(deps)+1)
	missing := make([]string, 0)
	for _, dep := range deps {
		if dep.Available {
			message := "Ready"
			if dep.Detail != "" {
				message = fmt.Sprintf("Ready (%s)", dep.Detail)
			} else if dep.Command != "" {
				message = fmt.Sprintf("Ready (command: %s)", dep.Command)
			}
			lines = append(lines, renderStatusLine(dep.Name, statusOK, message, colorize))
			continue
		}

		detail := strings.TrimSpace(dep.Detail)
		if detail == "" {
			detail = "not available"
		}
		kind := statusError
		if dep.Optional {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(dep.Name, kind, detail, colorize))
		missing = append(missing, dep.Name)
	}
	if len(missing) > 0 {
		lines = append(lines, renderStatusLine("Missing", statusWarn, strings.Join(missing, ", "), colorize))
	}
	return lines
}
