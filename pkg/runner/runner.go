// Package runner abstracts external process invocation so components that
// shell out (guest-agent queries, firewall persistence) can be tested with
// canned output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands via os/exec with context cancellation.
type ExecRunner struct{}

// New returns an ExecRunner.
func New() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and returns stdout. On failure the error includes
// trailing stderr output, which is where qm and iptables report diagnostics.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s",
				name, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}
