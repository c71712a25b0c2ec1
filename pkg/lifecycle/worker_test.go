package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestExecWorker_Configure_Success(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	writeScript(t, dir, "config.sh", "#!/bin/sh\necho \"$@\" > "+argsFile+"\nexit 0\n")

	w := NewExecWorker()
	err := w.Configure(context.Background(), ConfigureSpec{
		Dir:       dir,
		Repo:      "org/repo",
		Token:     "AREG123",
		Name:      "runner-1",
		Labels:    []string{"self-hosted", "linux"},
		Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("failed to read recorded args: %v", err)
	}
	args := string(raw)

	for _, want := range []string{
		"--unattended",
		"--url https://github.com/org/repo",
		"--token AREG123",
		"--name runner-1",
		"--labels self-hosted,linux",
		"--ephemeral",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("config.sh args missing %q, got: %s", want, args)
		}
	}
}

func TestExecWorker_Configure_MissingScript(t *testing.T) {
	w := NewExecWorker()
	err := w.Configure(context.Background(), ConfigureSpec{Dir: t.TempDir()})
	if err == nil {
		t.Error("expected error when config.sh is missing")
	}
}

func TestExecWorker_Configure_ScriptFails(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "config.sh", "#!/bin/sh\necho 'bad token' >&2\nexit 1\n")

	w := NewExecWorker()
	err := w.Configure(context.Background(), ConfigureSpec{Dir: dir, Repo: "org/repo"})
	if err == nil {
		t.Error("expected error when config.sh fails")
	}
}

func TestExecWorker_Unconfigure(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	writeScript(t, dir, "config.sh", "#!/bin/sh\necho \"$@\" > "+argsFile+"\nexit 0\n")

	w := NewExecWorker()
	if err := w.Unconfigure(context.Background(), dir, "AREM456"); err != nil {
		t.Fatalf("Unconfigure() error = %v", err)
	}

	raw, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(raw), "remove --token AREM456") {
		t.Errorf("expected remove invocation, got: %s", raw)
	}
}

func TestExecWorker_Start_Handshake(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "run.sh", "#!/bin/sh\necho 'Listening for Jobs'\nsleep 30\n")

	w := NewExecWorker()
	pid, err := w.Start(context.Background(), dir, 10*time.Second)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	if pid <= 0 {
		t.Fatalf("expected positive PID, got %d", pid)
	}
	if !w.Alive(pid) {
		t.Error("worker should be alive after handshake")
	}
}

func TestExecWorker_Start_HandshakeTimeout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "run.sh", "#!/bin/sh\nsleep 30\n")

	w := NewExecWorker()
	_, err := w.Start(context.Background(), dir, 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Errorf("expected TimeoutError, got %T: %v", err, err)
	}
}

func TestExecWorker_Start_ExitsBeforeHandshake(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "run.sh", "#!/bin/sh\necho 'config missing' >&2\nexit 1\n")

	w := NewExecWorker()
	_, err := w.Start(context.Background(), dir, 5*time.Second)
	if err == nil {
		t.Fatal("expected error when worker exits before handshake")
	}
	if IsTimeout(err) {
		t.Error("early exit should not report a timeout")
	}
}

func TestExecWorker_Start_MissingScript(t *testing.T) {
	w := NewExecWorker()
	_, err := w.Start(context.Background(), t.TempDir(), time.Second)
	if err == nil {
		t.Error("expected error when run.sh is missing")
	}
}

func TestExecWorker_Stop_Graceful(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "run.sh", "#!/bin/sh\necho 'Listening for Jobs'\nsleep 30\n")

	w := NewExecWorker()
	pid, err := w.Start(context.Background(), dir, 10*time.Second)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	manner, err := w.Stop(context.Background(), pid, 5*time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if manner != StopGraceful {
		t.Errorf("manner = %q, want %q", manner, StopGraceful)
	}
}

func TestExecWorker_Stop_EscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	// Worker ignores SIGTERM; the handshake line proves the trap is set
	// before Stop runs.
	writeScript(t, dir, "run.sh", "#!/bin/sh\ntrap '' TERM\necho 'Listening for Jobs'\nsleep 30\n")

	w := NewExecWorker()
	pid, err := w.Start(context.Background(), dir, 10*time.Second)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })

	manner, err := w.Stop(context.Background(), pid, 300*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if manner != StopKilled {
		t.Errorf("manner = %q, want %q", manner, StopKilled)
	}
}

func TestExecWorker_Stop_AlreadyStopped(t *testing.T) {
	// Run a short-lived process to get a PID that is certainly gone.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run helper process: %v", err)
	}
	pid := cmd.Process.Pid

	w := NewExecWorker()
	manner, err := w.Stop(context.Background(), pid, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if manner != StopAlreadyStopped {
		t.Errorf("manner = %q, want %q", manner, StopAlreadyStopped)
	}
}

func TestExecWorker_Alive(t *testing.T) {
	w := NewExecWorker()

	if !w.Alive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if w.Alive(0) {
		t.Error("PID 0 should not count as alive")
	}
	if w.Alive(-5) {
		t.Error("negative PID should not count as alive")
	}
}
