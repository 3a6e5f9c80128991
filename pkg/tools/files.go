package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/weft-dev/weft/pkg/models"
)

// NewFileTools returns the file tools confined to the workspace root.
func NewFileTools(root string) []Tool {
	w := &workspace{root: root}
	return []Tool{
		&listFilesTool{w},
		&readFileTool{w},
		&writeFileTool{w},
		&editFileTool{w},
	}
}

type workspace struct {
	root string
}

// resolve maps a tool path argument onto the workspace. Relative paths
// are rooted at the workspace; anything resolving outside it is a fatal
// argument error.
func (w *workspace) resolve(tool, path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, abs)
	}
	abs = filepath.Clean(abs)

	root, err := filepath.Abs(w.root)
	if err != nil {
		return "", Errorf(tool, "resolving workspace root: %v", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", Fatalf(tool, "path %q is outside the workspace", path)
	}
	return abs, nil
}

func stringArg(input map[string]any, key string) (string, bool) {
	s, ok := input[key].(string)
	return s, ok
}

// --- ls ---

type listFilesTool struct {
	w *workspace
}

func (t *listFilesTool) Name() string { return "ls" }

func (t *listFilesTool) Description() string {
	return "List the files in a workspace directory. Directories are suffixed with /."
}

func (t *listFilesTool) InputSchema() *models.Schema {
	return &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"path": {Type: "string", Description: "Directory to list, relative to the workspace root. Defaults to the root."},
		},
	}
}

func (t *listFilesTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, _ := stringArg(input, "path")
	abs, err := t.w.resolve(t.Name(), path)
	if err != nil {
		return "", err
	}

	slog.Debug("Listing files", "path", abs)
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", Fatalf(t.Name(), "listing %s: %v", path, err)
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Name())
		if e.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// --- read_file ---

type readFileTool struct {
	w *workspace
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read the contents of a file in the workspace."
}

func (t *readFileTool) InputSchema() *models.Schema {
	return &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"path": {Type: "string", Description: "File to read, relative to the workspace root."},
		},
		Required: []string{"path"},
	}
}

func (t *readFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		return "", Fatalf(t.Name(), "argument %q is required", "path")
	}
	abs, err := t.w.resolve(t.Name(), path)
	if err != nil {
		return "", err
	}

	slog.Debug("Reading file", "path", abs)
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", Fatalf(t.Name(), "reading %s: %v", path, err)
	}
	return string(data), nil
}

// --- write_file ---

type writeFileTool struct {
	w *workspace
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *writeFileTool) InputSchema() *models.Schema {
	return &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"path":    {Type: "string", Description: "File to write, relative to the workspace root."},
			"content": {Type: "string", Description: "The full file content."},
		},
		Required: []string{"path", "content"},
	}
}

func (t *writeFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		return "", Fatalf(t.Name(), "argument %q is required", "path")
	}
	content, ok := stringArg(input, "content")
	if !ok {
		return "", Fatalf(t.Name(), "argument %q is required", "content")
	}
	abs, err := t.w.resolve(t.Name(), path)
	if err != nil {
		return "", err
	}

	slog.Debug("Writing file", "path", abs, "size", len(content))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", Errorf(t.Name(), "creating directories for %s: %v", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", Errorf(t.Name(), "writing %s: %v", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// --- edit_file ---

type editFileTool struct {
	w *workspace
}

func (t *editFileTool) Name() string { return "edit_file" }

func (t *editFileTool) Description() string {
	return "Replace an exact string in a file. old_string must match exactly once unless replace_all is set."
}

func (t *editFileTool) InputSchema() *models.Schema {
	return &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"path":        {Type: "string", Description: "File to edit, relative to the workspace root."},
			"old_string":  {Type: "string", Description: "Exact text to replace."},
			"new_string":  {Type: "string", Description: "Replacement text."},
			"replace_all": {Type: "boolean", Description: "Replace every occurrence instead of requiring a unique match."},
		},
		Required: []string{"path", "old_string", "new_string"},
	}
}

func (t *editFileTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	path, ok := stringArg(input, "path")
	if !ok {
		return "", Fatalf(t.Name(), "argument %q is required", "path")
	}
	oldString, ok := stringArg(input, "old_string")
	if !ok || oldString == "" {
		return "", Fatalf(t.Name(), "argument %q is required and must be non-empty", "old_string")
	}
	newString, _ := stringArg(input, "new_string")
	replaceAll, _ := input["replace_all"].(bool)

	abs, err := t.w.resolve(t.Name(), path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", Fatalf(t.Name(), "reading %s: %v", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldString)
	switch {
	case count == 0:
		return "", Fatalf(t.Name(), "old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return "", Fatalf(t.Name(), "old_string appears %d times in %s; add context or set replace_all", count, path)
	}

	replaced := count
	if !replaceAll {
		content = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	} else {
		content = strings.ReplaceAll(content, oldString, newString)
	}

	slog.Debug("Editing file", "path", abs, "replaced", replaced)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", Errorf(t.Name(), "writing %s: %v", path, err)
	}
	if replaced == 1 {
		return fmt.Sprintf("replaced 1 occurrence in %s", path), nil
	}
	return fmt.Sprintf("replaced %d occurrences in %s", replaced, path), nil
}
