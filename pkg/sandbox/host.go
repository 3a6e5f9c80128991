package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
)

// Host runs commands directly on the host in a fixed working directory.
// It is the fallback when no container runtime is configured; there is no
// isolation beyond the working directory.
type Host struct {
	workdir string
}

var _ Environment = (*Host)(nil)

// NewHost creates a host environment rooted at workdir.
func NewHost(workdir string) *Host {
	return &Host{workdir: workdir}
}

func (h *Host) Exec(ctx context.Context, sessionID, command string) (*Result, error) {
	slog.Debug("Host exec", "session", sessionID, "command", command)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = h.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return result, nil
}

func (h *Host) Stop(ctx context.Context, sessionID string) error {
	return nil
}

func (h *Host) Close() error {
	return nil
}
