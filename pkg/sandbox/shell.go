package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/tools"
)

// ToolNameShell is the registry name of the shell tool.
const ToolNameShell = "shell"

// ShellTool exposes an Environment to the model. One instance is bound to
// one session so the environment can keep per-session containers.
type ShellTool struct {
	env       Environment
	sessionID string
}

var _ tools.Tool = (*ShellTool)(nil)

func NewShellTool(env Environment, sessionID string) *ShellTool {
	return &ShellTool{env: env, sessionID: sessionID}
}

func (t *ShellTool) Name() string { return ToolNameShell }

func (t *ShellTool) Description() string {
	return "Run a shell command in the session's workspace. Returns stdout and stderr; a non-zero exit code is reported at the end of the output."
}

func (t *ShellTool) InputSchema() *models.Schema {
	return &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"command": {Type: "string", Description: "The command to run with sh -c."},
		},
		Required: []string{"command"},
	}
}

// Execute runs the command. Command failure is part of the result text so
// the model can react to it; only environment failures become errors.
func (t *ShellTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	command, ok := input["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "", tools.Fatalf(t.Name(), "argument %q is required", "command")
	}

	result, err := t.env.Exec(ctx, t.sessionID, command)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", tools.Errorf(t.Name(), "environment: %v", err)
	}

	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(result.Stderr)
	}
	if result.ExitCode != 0 {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "(exit code %d)", result.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)", nil
	}
	return b.String(), nil
}
