// Package shell wraps os/exec the way phenix's util/shell package does:
// a thin Run/Output helper carrying context cancellation and consistent
// error wrapping, used for every external binary invocation (kvm,
// qemu-img, genisoimage, mount, modprobe).
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result captures a completed command's output.
type Result struct {
	Stdout string
	Stderr string
}

// Run executes name with args under ctx, returning its captured stdout and
// stderr separately, or a wrapped error (including captured stderr) on
// failure.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}

	return &Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// RunArgv is a convenience wrapper for callers that have already built an
// argv slice (e.g. the QEMU command line) rather than discrete args.
func RunArgv(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("shell: empty argv")
	}
	return Run(ctx, argv[0], argv[1:]...)
}

// StartDetached launches name as a long-running background process
// (the QEMU instance itself), returning the exec.Cmd so the caller can
// retain its PID without waiting on it.
func StartDetached(name string, args ...string) (*exec.Cmd, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "%s: start", name)
	}
	return cmd, nil
}
