package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tessera/internal/apiclient"
	"tessera/internal/daemonctl"
	"tessera/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or inspect the processing daemon",
	}

	daemonCmd.AddCommand(newDaemonRunCommand(ctx))
	daemonCmd.AddCommand(newDaemonStatusCommand(ctx))
	daemonCmd.AddCommand(newDaemonStartCommand(ctx))
	daemonCmd.AddCommand(newDaemonStopCommand(ctx))

	return daemonCmd
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")
	return cmd
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running daemon through its status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := apiclient.New(cfg.Paths.APIBind, cfg.Paths.APIToken)
			if err != nil {
				return fmt.Errorf("status API address: %w", err)
			}
			status, err := client.Status(cmd.Context())
			if apiclient.IsAPIUnavailable(err) {
				if cfg.Paths.APIBind == "" {
					return errors.New("status API is disabled (set paths.api_bind)")
				}
				return fmt.Errorf("daemon not reachable at %s", cfg.Paths.APIBind)
			}
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, status)
			}

			colorize := shouldColorize(cmd.OutOrStdout())
			lines := renderSectionHeader("Daemon", colorize)
			kind, message := statusOK, fmt.Sprintf("Running (pid %d)", status.PID)
			switch {
			case status.Workflow.Halted != "":
				kind, message = statusError, "Halted: "+status.Workflow.Halted
			case !status.Running:
				kind, message = statusWarn, "Stopped"
			}
			lines = append(lines,
				renderStatusLine("State", kind, message, colorize),
				renderStatusLine("Worker", statusInfo, status.Workflow.WorkerID, colorize),
				renderStatusLine("Store", statusInfo, status.StoreDSN, colorize),
			)
			if len(status.Workflow.InFlight) > 0 {
				lines = append(lines, renderStatusLine("In flight", statusInfo, fmt.Sprint(status.Workflow.InFlight), colorize))
			}
			if status.Workflow.LastError != "" {
				lines = append(lines, renderStatusLine("Last error", statusWarn, truncate(status.Workflow.LastError, 100), colorize))
			}
			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Dependencies", colorize)...)
			lines = append(lines, dependencyLines(status.Dependencies, colorize)...)
			writeLines(cmd.OutOrStdout(), lines)
			return nil
		},
	}
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	var binary string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch tesserad in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			running, pid, err := daemonctl.ProcessInfo(cfg)
			if err != nil {
				return err
			}
			if running {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (pid %d)\n", pid)
				return nil
			}
			if binary == "" {
				binary, err = resolveDaemonBinary()
				if err != nil {
					return err
				}
			}
			if err := daemonctl.Launch(binary, ctx.configPath); err != nil {
				return err
			}
			if err := daemonctl.WaitForStart(cmd.Context(), cfg, wait); err != nil {
				return fmt.Errorf("%w (check %s)", err, cfg.Paths.LogDir)
			}
			_, pid, _ = daemonctl.ProcessInfo(cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&binary, "binary", "", "Path to the tesserad executable")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the daemon to take its lock")
	return cmd
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := daemonctl.Stop(cmd.Context(), cfg, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon did not exit within %s; killed pid %d\n", grace, result.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "Time to wait for a graceful exit before killing")
	return cmd
}

func resolveDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "tesserad")
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("tesserad")
	if err != nil {
		return "", errors.New("tesserad not found next to tessera or on PATH (use --binary)")
	}
	return path, nil
}
