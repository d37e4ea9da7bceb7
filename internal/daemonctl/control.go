package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"tessera/internal/config"
	"tessera/internal/daemon"
)

// ErrDaemonNotRunning indicates no daemon holds the worker lock.
var ErrDaemonNotRunning = errors.New("daemon not running")

const pollInterval = 200 * time.Millisecond

// PIDPath returns the pid file written next to lockPath.
func PIDPath(lockPath string) string {
	return strings.TrimSuffix(lockPath, ".lock") + ".pid"
}

// WritePIDFile records the current process id at path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPID parses the pid file at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", path)
	}
	return pid, nil
}

// ProcessInfo reports whether a daemon holds the lock for cfg's worker and the
// pid it recorded, when available.
func ProcessInfo(cfg *config.Config) (bool, int, error) {
	lockPath := daemon.LockPathFor(cfg)
	held, err := lockHeld(lockPath)
	if err != nil || !held {
		return false, 0, err
	}
	pid, err := ReadPID(PIDPath(lockPath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, 0, err
	}
	return true, pid, nil
}

func lockHeld(lockPath string) (bool, error) {
	if _, err := os.Stat(lockPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	probe := flock.New(lockPath)
	ok, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe daemon lock: %w", err)
	}
	if ok {
		_ = probe.Unlock()
		return false, nil
	}
	return true, nil
}

// StopResult captures the outcome of Stop.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// Stop signals the daemon for cfg's worker with SIGTERM and waits up to grace
// for it to release its lock. A daemon still holding the lock after grace is
// killed.
func Stop(ctx context.Context, cfg *config.Config, grace time.Duration) (StopResult, error) {
	running, pid, err := ProcessInfo(cfg)
	if err != nil {
		return StopResult{}, err
	}
	if !running {
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid <= 0 {
		return StopResult{}, fmt.Errorf("unable to determine daemon pid (pid file: %s)", PIDPath(daemon.LockPathFor(cfg)))
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}

	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return result, nil
		}
		return result, fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	if err := WaitForShutdown(ctx, cfg, grace); err == nil {
		return result, nil
	} else if ctx.Err() != nil {
		return result, err
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	result.ForcedKill = true
	if err := os.Remove(PIDPath(daemon.LockPathFor(cfg))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("remove pid file: %w", err)
	}
	return result, nil
}

// WaitForShutdown polls until the worker lock is free or timeout elapses.
func WaitForShutdown(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	return poll(ctx, timeout, func() (bool, error) {
		running, _, err := ProcessInfo(cfg)
		return !running, err
	}, "daemon did not stop")
}

// WaitForStart polls until a daemon holds the worker lock or timeout elapses.
func WaitForStart(ctx context.Context, cfg *config.Config, timeout time.Duration) error {
	return poll(ctx, timeout, func() (bool, error) {
		running, _, err := ProcessInfo(cfg)
		return running, err
	}, "daemon failed to start")
}

func poll(ctx context.Context, timeout time.Duration, done func() (bool, error), failure string) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		ok, err := done()
		if ok {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%s: %w", failure, lastErr)
	}
	return errors.New(failure)
}

// Launch starts a detached tesserad process using the given config file.
func Launch(executablePath, configPath string) error {
	if strings.TrimSpace(executablePath) == "" {
		return errors.New("resolve executable: executable path is empty")
	}
	var args []string
	if cfg := strings.TrimSpace(configPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}
