// Package execx runs the external transcoding and probing binaries. The
// pipeline never assumes a particular binary; paths come from config and all
// invocations go through the Runner interface so tests can substitute fakes.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

type Runner interface {
	// Run executes the command and returns combined stdout+stderr. Use for
	// commands whose output is diagnostic only (segmented file output).
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Output executes the command and returns stdout alone; stderr is
	// captured and folded into the error. Use for commands that stream
	// binary payloads to stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandRunner shells out with an optional per-invocation timeout. A timed
// out command fails like any other failed command; the policy of whether that
// is fatal belongs to the caller.
type CommandRunner struct {
	timeout time.Duration
}

func NewCommandRunner(timeout time.Duration) *CommandRunner {
	return &CommandRunner{timeout: timeout}
}

func (r *CommandRunner) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, tail(out))
	}
	return out, nil
}

func (r *CommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, tail(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// tail keeps error messages readable when ffmpeg dumps pages of log output.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	const max = 512
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
