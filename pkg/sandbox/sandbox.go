// Package sandbox provides the execution environments backing the shell
// tool: a docker container per session, or the host as a fallback.
package sandbox

import "context"

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Environment runs shell commands on behalf of a session. Implementations
// lazily provision per-session state on first use.
type Environment interface {
	// Exec runs a command for the session and returns its output. A
	// non-zero exit code is reported in the Result, not as an error;
	// errors mean the environment itself failed.
	Exec(ctx context.Context, sessionID, command string) (*Result, error)

	// Stop tears down the session's environment.
	Stop(ctx context.Context, sessionID string) error

	// Close releases resources shared across sessions.
	Close() error
}
