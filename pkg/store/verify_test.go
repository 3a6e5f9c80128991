package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/weft-dev/weft/pkg/store"
)

func msg(id, parent string, seq uint64, role store.MessageRole) store.Entry {
	e := store.Entry{
		Type:    store.TypeMessage,
		ID:      id,
		Branch:  store.BranchMain,
		Seq:     seq,
		Message: &store.MessageEntry{Role: role, Content: []store.Content{store.Text(id)}},
	}
	if parent != "" {
		p := parent
		e.ParentID = &p
	}
	return e
}

func compaction(id, cut string, seq uint64) store.Entry {
	p := cut
	return store.Entry{
		Type:       store.TypeCompaction,
		ID:         id,
		ParentID:   &p,
		Branch:     store.BranchMain,
		Seq:        seq,
		Compaction: &store.CompactionEntry{Summary: "summary " + id},
	}
}

func arena(es ...store.Entry) map[string]store.Entry {
	m := make(map[string]store.Entry, len(es))
	for _, e := range es {
		m[e.ID] = e
	}
	return m
}

func TestResolve_NoCompaction(t *testing.T) {
	entries := arena(
		msg("e1", "", 1, store.RoleUser),
		msg("e2", "e1", 2, store.RoleAssistant),
		msg("e3", "e2", 3, store.RoleUser),
	)

	ctx, err := store.Resolve("s", entries, "e3")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx) != 3 || ctx[0].ID != "e1" || ctx[2].ID != "e3" {
		t.Errorf("resolved path wrong: %+v", ids(ctx))
	}
}

func TestResolve_PicksLatestCompaction(t *testing.T) {
	entries := arena(
		msg("e1", "", 1, store.RoleUser),
		msg("e2", "e1", 2, store.RoleAssistant),
		msg("e3", "e2", 3, store.RoleUser),
		msg("e4", "e3", 4, store.RoleAssistant),
		compaction("c1", "e1", 5),
		compaction("c2", "e2", 6),
	)

	ctx, err := store.Resolve("s", entries, "e4")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c2", "e3", "e4"}
	got := ids(ctx)
	if len(got) != len(want) {
		t.Fatalf("resolved %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("resolved %v, want %v", got, want)
			break
		}
	}
}

func TestResolve_IgnoresCompactionOffPath(t *testing.T) {
	// side diverges from e1; its compaction cut at e9 must not affect the
	// main path.
	e9 := msg("e9", "e1", 3, store.RoleAssistant)
	e9.Branch = "side"
	c := compaction("c1", "e9", 4)
	c.Branch = "side"
	entries := arena(
		msg("e1", "", 1, store.RoleUser),
		msg("e2", "e1", 2, store.RoleAssistant),
		e9,
		c,
	)

	ctx, err := store.Resolve("s", entries, "e2")
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx) != 2 || ctx[0].ID != "e1" || ctx[1].ID != "e2" {
		t.Errorf("off-path compaction leaked into context: %v", ids(ctx))
	}
}

func TestPath_BrokenLink(t *testing.T) {
	entries := arena(msg("e2", "ghost", 2, store.RoleUser))
	if _, err := store.Path("s", entries, "e2"); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("broken link not reported as corruption: %v", err)
	}
}

func TestLeafOf(t *testing.T) {
	entries := arena(
		msg("e1", "", 1, store.RoleUser),
		msg("e2", "e1", 2, store.RoleAssistant),
		compaction("c1", "e1", 3),
	)

	main := store.Branch{Name: store.BranchMain, Created: time.Now()}
	if leaf := store.LeafOf(entries, main); leaf != "e2" {
		t.Errorf("leaf = %s, want e2 (compactions are never tips)", leaf)
	}

	// A branch with no entries of its own sits at its base.
	side := store.Branch{Name: "side", Base: "e1", Created: time.Now()}
	if leaf := store.LeafOf(entries, side); leaf != "e1" {
		t.Errorf("fresh branch leaf = %s, want its base e1", leaf)
	}
}

func TestVerify_Violations(t *testing.T) {
	main := []store.Branch{{Name: store.BranchMain, Created: time.Now()}}

	cases := []struct {
		name     string
		entries  map[string]store.Entry
		branches []store.Branch
	}{
		{
			name: "two-roots",
			entries: arena(
				msg("e1", "", 1, store.RoleUser),
				msg("e2", "", 2, store.RoleUser),
			),
			branches: main,
		},
		{
			name: "parent-missing",
			entries: arena(
				msg("e1", "", 1, store.RoleUser),
				msg("e2", "ghost", 2, store.RoleUser),
			),
			branches: main,
		},
		{
			name: "sequence-not-after-parent",
			entries: arena(
				msg("e1", "", 5, store.RoleUser),
				msg("e2", "e1", 5, store.RoleAssistant),
			),
			branches: main,
		},
		{
			name: "compaction-without-cut-point",
			entries: arena(store.Entry{
				Type:       store.TypeCompaction,
				ID:         "c1",
				Branch:     store.BranchMain,
				Seq:        1,
				Compaction: &store.CompactionEntry{Summary: "s"},
			}),
			branches: main,
		},
		{
			name:     "branch-base-missing",
			entries:  arena(msg("e1", "", 1, store.RoleUser)),
			branches: append(main, store.Branch{Name: "side", Base: "ghost"}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Verify("s", tc.entries, tc.branches)
			if err == nil {
				t.Fatal("violation not detected")
			}
			if !errors.Is(err, store.ErrCorrupt) {
				t.Errorf("error is not a corruption: %v", err)
			}
		})
	}
}

func TestVerify_CleanTreePasses(t *testing.T) {
	call := store.Entry{
		Type: store.TypeMessage, ID: "e2", Branch: store.BranchMain, Seq: 2,
		Message: &store.MessageEntry{Role: store.RoleAssistant, Content: []store.Content{
			{Type: store.ContentTypeToolUse, ToolUse: &store.ToolUseContent{ID: "t1", Name: "ls", Input: map[string]any{}}},
		}},
	}
	p := "e1"
	call.ParentID = &p
	result := store.Entry{
		Type: store.TypeMessage, ID: "e3", Branch: store.BranchMain, Seq: 3,
		Message: &store.MessageEntry{Role: store.RoleTool, Content: []store.Content{
			{Type: store.ContentTypeToolResult, ToolResult: &store.ToolResultContent{ToolUseID: "t1", Content: "ok"}},
		}},
	}
	p2 := "e2"
	result.ParentID = &p2

	entries := arena(msg("e1", "", 1, store.RoleUser), call, result, compaction("c1", "e1", 4))
	branches := []store.Branch{{Name: store.BranchMain, Created: time.Now()}}

	if err := store.Verify("s", entries, branches); err != nil {
		t.Fatalf("clean tree rejected: %v", err)
	}
}

func ids(entries []store.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
