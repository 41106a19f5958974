package shell

import (
	"context"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestRunWrapsFailureWithStderr(t *testing.T) {
	_, err := Run(context.Background(), "false")
	if err == nil {
		t.Fatal("expected error from a command that exits non-zero")
	}
}

func TestRunArgvRejectsEmpty(t *testing.T) {
	if _, err := RunArgv(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestRunArgvDispatchesToRun(t *testing.T) {
	res, err := RunArgv(context.Background(), []string{"echo", "argv"})
	if err != nil {
		t.Fatalf("RunArgv: %v", err)
	}
	if res.Stdout != "argv\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "argv\n")
	}
}

func TestStartDetachedReturnsRunningProcess(t *testing.T) {
	cmd, err := StartDetached("sleep", "0.01")
	if err != nil {
		t.Fatalf("StartDetached: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
