package ceph

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Executor runs a control-plane command and returns its standard output
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecExecutor runs commands as local processes
type ExecExecutor struct{}

// Run executes name with args. A non-zero exit status is always an error and
// carries the command line and its stderr.
func (ExecExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, errors.Wrapf(err, "failed to execute command: %s %s\nstderr:\n%s",
				name, strings.Join(args, " "), msg)
		}
		return nil, errors.Wrapf(err, "failed to execute command: %s %s", name, strings.Join(args, " "))
	}
	return out, nil
}
