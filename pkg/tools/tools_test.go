package tools_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/tools"
)

type fakeTool struct {
	name string
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake" }
func (t *fakeTool) InputSchema() *models.Schema {
	return &models.Schema{Type: "object"}
}
func (t *fakeTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	return "ok", nil
}

func TestRegistry(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeTool{name: "beta"})
	r.Register(&fakeTool{name: "alpha"})

	if _, ok := r.Get("alpha"); !ok {
		t.Fatal("alpha not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("missing tool should not resolve")
	}

	catalog := r.Catalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog has %d entries", len(catalog))
	}
	if catalog[0].Name != "alpha" || catalog[1].Name != "beta" {
		t.Errorf("catalog not sorted: %v", []string{catalog[0].Name, catalog[1].Name})
	}
}

func TestRegistryRestrict(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(&fakeTool{name: "alpha"})
	r.Register(&fakeTool{name: "beta"})

	restricted := r.Restrict([]string{"beta", "nonexistent"})
	if _, ok := restricted.Get("alpha"); ok {
		t.Error("alpha should be excluded")
	}
	if _, ok := restricted.Get("beta"); !ok {
		t.Error("beta should be included")
	}

	// Empty restriction means everything.
	if got := r.Restrict(nil); len(got.Names()) != 2 {
		t.Errorf("unrestricted registry lost tools: %v", got.Names())
	}
}

func TestExecutionError(t *testing.T) {
	fatal := tools.Fatalf("read_file", "argument %q is required", "path")
	if !tools.IsFatal(fatal) {
		t.Error("Fatalf should produce a fatal error")
	}
	if tools.IsFatal(tools.Errorf("shell", "network down")) {
		t.Error("Errorf should be retryable")
	}
	if tools.IsFatal(errors.New("plain")) {
		t.Error("plain errors are not fatal tool errors")
	}

	wrapped := fmt.Errorf("dispatch: %w", fatal)
	if !tools.IsFatal(wrapped) {
		t.Error("IsFatal should see through wrapping")
	}

	want := `tool read_file: argument "path" is required`
	if fatal.Error() != want {
		t.Errorf("Error() = %q, want %q", fatal.Error(), want)
	}
}
