package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Shavakan/runs-local/pkg/logging"
)

// Stop manners reported by WorkerRunner.Stop.
const (
	StopGraceful       = "graceful"
	StopKilled         = "killed"
	StopAlreadyStopped = "already_stopped"
)

// handshakeMarkers are the stdout lines that signal the worker has
// connected to the dispatch system and is ready for jobs.
var handshakeMarkers = []string{
	"Listening for Jobs",
	"Connected to GitHub",
}

// ConfigureSpec describes one worker configuration handshake.
type ConfigureSpec struct {
	// Dir is the worker installation directory containing config.sh and
	// run.sh.
	Dir string

	Repo      string // owner/repo
	Token     string // registration token from the dispatch API
	Name      string
	Labels    []string
	WorkDir   string
	Ephemeral bool
}

// WorkerRunner manages worker processes on this host. The controller is the
// only caller; implementations do not touch the registry.
type WorkerRunner interface {
	// Configure runs the one-shot configuration handshake that binds a
	// worker directory to a repository.
	Configure(ctx context.Context, spec ConfigureSpec) error

	// Unconfigure removes the local worker configuration using a removal
	// token.
	Unconfigure(ctx context.Context, dir, token string) error

	// Start spawns the worker process in its own process group and waits
	// for the readiness handshake on stdout. It returns the PID of the
	// detached process, or a TimeoutError if the handshake does not arrive
	// within the bound.
	Start(ctx context.Context, dir string, handshake time.Duration) (int, error)

	// Stop terminates the worker process group: SIGTERM, poll up to grace,
	// then SIGKILL. A non-positive grace kills immediately. It returns the
	// manner of exit.
	Stop(ctx context.Context, pid int, grace, poll time.Duration) (string, error)

	// Alive reports whether a process with the given PID exists.
	Alive(pid int) bool
}

// ExecWorker runs real worker processes via config.sh and run.sh, the way
// the GitHub Actions runner distribution is driven.
type ExecWorker struct {
	logger *logging.Logger
}

var _ WorkerRunner = (*ExecWorker)(nil)

// NewExecWorker creates a worker runner for real processes.
func NewExecWorker() *ExecWorker {
	return &ExecWorker{
		logger: logging.WithComponent(logging.LogTypeWorker, "exec"),
	}
}

// Configure implements WorkerRunner.
func (w *ExecWorker) Configure(ctx context.Context, spec ConfigureSpec) error {
	configScript := filepath.Join(spec.Dir, "config.sh")
	if _, err := os.Stat(configScript); err != nil {
		return fmt.Errorf("config.sh not found: %w", err)
	}

	args := []string{
		"--unattended",
		"--replace",
		"--url", fmt.Sprintf("https://github.com/%s", spec.Repo),
		"--token", spec.Token,
		"--name", spec.Name,
	}
	if len(spec.Labels) > 0 {
		args = append(args, "--labels", strings.Join(spec.Labels, ","))
	}
	if spec.WorkDir != "" {
		args = append(args, "--work", spec.WorkDir)
	}
	if spec.Ephemeral {
		args = append(args, "--ephemeral")
	}

	cmd := exec.CommandContext(ctx, configScript, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "RUNNER_ALLOW_RUNASROOT=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		w.logger.Error("configuration handshake failed",
			slog.String(logging.KeyInstance, spec.Name),
			slog.String("stderr", stderr.String()))
		return fmt.Errorf("configuration failed: %w", err)
	}

	w.logger.Info("worker configured",
		slog.String(logging.KeyInstance, spec.Name),
		slog.String(logging.KeyRepo, spec.Repo))
	return nil
}

// Unconfigure implements WorkerRunner.
func (w *ExecWorker) Unconfigure(ctx context.Context, dir, token string) error {
	configScript := filepath.Join(dir, "config.sh")
	if _, err := os.Stat(configScript); err != nil {
		return fmt.Errorf("config.sh not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, configScript, "remove", "--token", token)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "RUNNER_ALLOW_RUNASROOT=1")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		w.logger.Error("unconfigure failed", slog.String("stderr", stderr.String()))
		return fmt.Errorf("unconfigure failed: %w", err)
	}
	return nil
}

// Start implements WorkerRunner.
func (w *ExecWorker) Start(ctx context.Context, dir string, handshake time.Duration) (int, error) {
	runScript := filepath.Join(dir, "run.sh")
	if _, err := os.Stat(runScript); err != nil {
		return 0, fmt.Errorf("run.sh not found: %w", err)
	}

	cmd := exec.Command(runScript)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "RUNNER_ALLOW_RUNASROOT=1")

	// Own process group so stop signals reach the whole worker tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid

	ready := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		signalled := false
		for scanner.Scan() {
			line := scanner.Text()
			w.logger.Debug("worker output",
				slog.Int(logging.KeyPID, pid),
				slog.String("line", line))
			if !signalled && isHandshakeLine(line) {
				signalled = true
				close(ready)
			}
		}
	}()

	// Reap the process when it exits so it never lingers as a zombie.
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	select {
	case <-ready:
		w.logger.Info("worker ready", slog.Int(logging.KeyPID, pid))
		return pid, nil
	case err := <-exited:
		return 0, fmt.Errorf("worker exited before handshake: %w", err)
	case <-time.After(handshake):
		w.killGroup(pid)
		<-exited
		return 0, &TimeoutError{Op: "start", Timeout: handshake}
	case <-ctx.Done():
		w.killGroup(pid)
		<-exited
		return 0, ctx.Err()
	}
}

// Stop implements WorkerRunner.
func (w *ExecWorker) Stop(ctx context.Context, pid int, grace, poll time.Duration) (string, error) {
	if !w.Alive(pid) {
		return StopAlreadyStopped, nil
	}

	if grace <= 0 {
		w.killGroup(pid)
		return StopKilled, nil
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.After(grace)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.Alive(pid) {
				return StopGraceful, nil
			}
		case <-deadline:
			w.logger.Warn("grace period elapsed, escalating to SIGKILL",
				slog.Int(logging.KeyPID, pid),
				slog.Duration("grace", grace))
			w.killGroup(pid)
			return StopKilled, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Alive implements WorkerRunner. Signal 0 probes process existence; EPERM
// still means the process exists.
func (w *ExecWorker) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func (w *ExecWorker) killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func isHandshakeLine(line string) bool {
	for _, marker := range handshakeMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
