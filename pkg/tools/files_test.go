package tools_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weft-dev/weft/pkg/tools"
)

func fileToolset(t *testing.T) (string, map[string]tools.Tool) {
	t.Helper()
	root := t.TempDir()
	set := map[string]tools.Tool{}
	for _, tool := range tools.NewFileTools(root) {
		set[tool.Name()] = tool
	}
	return root, set
}

func TestFileTools_WriteReadEditList(t *testing.T) {
	ctx := context.Background()
	root, set := fileToolset(t)

	out, err := set["write_file"].Execute(ctx, map[string]any{
		"path":    "src/main.go",
		"content": "package main\n\nfunc main() {}\n",
	})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if !strings.Contains(out, "src/main.go") {
		t.Errorf("write output = %q", out)
	}

	out, err = set["read_file"].Execute(ctx, map[string]any{"path": "src/main.go"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if !strings.Contains(out, "package main") {
		t.Errorf("read output = %q", out)
	}

	_, err = set["edit_file"].Execute(ctx, map[string]any{
		"path":       "src/main.go",
		"old_string": "func main() {}",
		"new_string": "func main() { println(\"hi\") }",
	})
	if err != nil {
		t.Fatalf("edit_file: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "src/main.go"))
	if err != nil {
		t.Fatalf("reading edited file: %v", err)
	}
	if !strings.Contains(string(data), `println("hi")`) {
		t.Errorf("edit not applied: %s", data)
	}

	out, err = set["ls"].Execute(ctx, map[string]any{"path": "src"})
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if out != "main.go" {
		t.Errorf("ls output = %q", out)
	}

	// Directories get the trailing slash.
	out, err = set["ls"].Execute(ctx, map[string]any{})
	if err != nil {
		t.Fatalf("ls root: %v", err)
	}
	if out != "src/" {
		t.Errorf("ls root output = %q", out)
	}
}

func TestFileTools_WorkspaceRestriction(t *testing.T) {
	ctx := context.Background()
	root, set := fileToolset(t)

	escapes := []string{
		"../outside.txt",
		"src/../../outside.txt",
		filepath.Join(filepath.Dir(root), "sibling.txt"),
	}
	for _, path := range escapes {
		_, err := set["read_file"].Execute(ctx, map[string]any{"path": path})
		if err == nil {
			t.Errorf("path %q should be rejected", path)
			continue
		}
		if !tools.IsFatal(err) {
			t.Errorf("escape error for %q should be fatal, got %v", path, err)
		}
	}

	// Absolute paths inside the workspace are fine.
	if _, err := set["write_file"].Execute(ctx, map[string]any{
		"path":    filepath.Join(root, "ok.txt"),
		"content": "x",
	}); err != nil {
		t.Errorf("absolute in-workspace path rejected: %v", err)
	}
}

func TestEditFile_Ambiguity(t *testing.T) {
	ctx := context.Background()
	_, set := fileToolset(t)

	if _, err := set["write_file"].Execute(ctx, map[string]any{
		"path":    "notes.txt",
		"content": "alpha\nalpha\n",
	}); err != nil {
		t.Fatalf("write_file: %v", err)
	}

	_, err := set["edit_file"].Execute(ctx, map[string]any{
		"path":       "notes.txt",
		"old_string": "alpha",
		"new_string": "beta",
	})
	if err == nil || !tools.IsFatal(err) {
		t.Fatalf("ambiguous edit should fail fatally, got %v", err)
	}

	out, err := set["edit_file"].Execute(ctx, map[string]any{
		"path":        "notes.txt",
		"old_string":  "alpha",
		"new_string":  "beta",
		"replace_all": true,
	})
	if err != nil {
		t.Fatalf("replace_all edit: %v", err)
	}
	if !strings.Contains(out, "2 occurrences") {
		t.Errorf("edit output = %q", out)
	}

	_, err = set["edit_file"].Execute(ctx, map[string]any{
		"path":       "notes.txt",
		"old_string": "gamma",
		"new_string": "delta",
	})
	if err == nil || !tools.IsFatal(err) {
		t.Errorf("missing old_string should fail fatally, got %v", err)
	}
}

func TestFileTools_MissingArguments(t *testing.T) {
	ctx := context.Background()
	_, set := fileToolset(t)

	for _, tc := range []struct {
		tool  string
		input map[string]any
	}{
		{"read_file", map[string]any{}},
		{"write_file", map[string]any{"path": "a.txt"}},
		{"edit_file", map[string]any{"path": "a.txt", "old_string": "", "new_string": "x"}},
	} {
		_, err := set[tc.tool].Execute(ctx, tc.input)
		if err == nil || !tools.IsFatal(err) {
			t.Errorf("%s with input %v: want fatal argument error, got %v", tc.tool, tc.input, err)
		}
	}
}
