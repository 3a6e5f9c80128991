package sandbox_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weft-dev/weft/pkg/sandbox"
	"github.com/weft-dev/weft/pkg/tools"
)

func TestHost_Exec(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := sandbox.NewHost(dir)
	defer env.Close()
	ctx := context.Background()

	res, err := env.Exec(ctx, "s1", "ls")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(res.Stdout, "marker.txt") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestHost_ExecFailure(t *testing.T) {
	env := sandbox.NewHost(t.TempDir())
	ctx := context.Background()

	res, err := env.Exec(ctx, "s1", "echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("command failure should not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

type fakeEnv struct {
	result *sandbox.Result
	err    error
	gotCmd string
}

func (f *fakeEnv) Exec(ctx context.Context, sessionID, command string) (*sandbox.Result, error) {
	f.gotCmd = command
	return f.result, f.err
}
func (f *fakeEnv) Stop(ctx context.Context, sessionID string) error { return nil }
func (f *fakeEnv) Close() error                                     { return nil }

func TestShellTool(t *testing.T) {
	ctx := context.Background()

	env := &fakeEnv{result: &sandbox.Result{Stdout: "out", Stderr: "err", ExitCode: 2}}
	tool := sandbox.NewShellTool(env, "s1")

	got, err := tool.Execute(ctx, map[string]any{"command": "make test"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.gotCmd != "make test" {
		t.Errorf("command passed = %q", env.gotCmd)
	}
	want := "out\nerr\n(exit code 2)"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestShellTool_Errors(t *testing.T) {
	ctx := context.Background()
	tool := sandbox.NewShellTool(&fakeEnv{}, "s1")

	_, err := tool.Execute(ctx, map[string]any{})
	if err == nil || !tools.IsFatal(err) {
		t.Errorf("missing command should be fatal, got %v", err)
	}
	_, err = tool.Execute(ctx, map[string]any{"command": "  "})
	if err == nil || !tools.IsFatal(err) {
		t.Errorf("blank command should be fatal, got %v", err)
	}

	broken := sandbox.NewShellTool(&fakeEnv{err: errors.New("daemon unreachable")}, "s1")
	_, err = broken.Execute(ctx, map[string]any{"command": "ls"})
	if err == nil || tools.IsFatal(err) {
		t.Errorf("environment failure should be retryable, got %v", err)
	}
}

func TestShellTool_NoOutput(t *testing.T) {
	env := &fakeEnv{result: &sandbox.Result{}}
	tool := sandbox.NewShellTool(env, "s1")

	got, err := tool.Execute(context.Background(), map[string]any{"command": "true"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "(no output)" {
		t.Errorf("output = %q", got)
	}
}
