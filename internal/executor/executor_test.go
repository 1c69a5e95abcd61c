package executor_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/queuectl/queuectl/internal/executor"
)

func TestExecuteSucceeded(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands below assume a POSIX shell")
	}
	out := executor.Execute(context.Background(), "true", 0)
	if out.Kind != executor.Succeeded {
		t.Fatalf("expected Succeeded, got %v", out.Kind)
	}
	if out.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", out.ExitCode)
	}
}

func TestExecuteFailedNonZero(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands below assume a POSIX shell")
	}
	out := executor.Execute(context.Background(), "exit 7", 0)
	if out.Kind != executor.FailedNonZero {
		t.Fatalf("expected FailedNonZero, got %v", out.Kind)
	}
	if out.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", out.ExitCode)
	}
	if !out.Retryable() {
		t.Fatal("expected FailedNonZero to be retryable")
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands below assume a POSIX shell")
	}
	out := executor.Execute(context.Background(), "echo hello; echo world 1>&2", 0)
	if out.StdoutTail != "hello\n" {
		t.Fatalf("unexpected stdout: %q", out.StdoutTail)
	}
	if out.StderrTail != "world\n" {
		t.Fatalf("unexpected stderr: %q", out.StderrTail)
	}
}

func TestExecuteTimedOut(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands below assume a POSIX shell")
	}
	out := executor.Execute(context.Background(), "sleep 5", 50*time.Millisecond)
	if out.Kind != executor.TimedOut {
		t.Fatalf("expected TimedOut, got %v", out.Kind)
	}
	if !out.Retryable() {
		t.Fatal("expected TimedOut to be retryable")
	}
}

func TestExecuteSpawnFailed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("nonexistent-binary invocation below assumes a POSIX shell")
	}
	out := executor.Execute(context.Background(), "/nonexistent/binary-does-not-exist", 0)
	if out.Kind != executor.FailedNonZero && out.Kind != executor.SpawnFailed {
		t.Fatalf("expected FailedNonZero (shell reports 127) or SpawnFailed, got %v", out.Kind)
	}
	if !out.Retryable() {
		t.Fatal("expected missing-binary outcome to be retryable")
	}
}
