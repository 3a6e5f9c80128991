package jsonl

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/weft-dev/weft/pkg/store"
)

// Version 1 files predate branches and sequence numbers: every line after
// the header is a bare entry, the single implicit branch's leaf is the last
// line, and compaction entries sit in the path carrying the id of the first
// entry they keep. The structs below mirror that layout.

type v1Header struct {
	Type          store.EntryType `json:"type"`
	ID            string          `json:"id"`
	Agent         store.Profile   `json:"agent"`
	Version       int             `json:"version"`
	ParentSession string          `json:"parent_session,omitempty"`
	CreatedAt     time.Time       `json:"timestamp"`
}

type v1Entry struct {
	Type      store.EntryType `json:"type"`
	ID        string          `json:"id"`
	ParentID  *string         `json:"parent_id"`
	Timestamp time.Time       `json:"timestamp"`

	Message       *store.MessageEntry       `json:"message,omitempty"`
	ModelChange   *store.ModelChangeEntry   `json:"model_change,omitempty"`
	ThinkingLevel *v1ThinkingLevel          `json:"thinking_level,omitempty"`
	Label         *store.LabelEntry         `json:"label,omitempty"`
	SessionInfo   *v1SessionInfo            `json:"session_info,omitempty"`
	Compaction    *v1Compaction             `json:"compaction,omitempty"`
	BranchSummary *store.BranchSummaryEntry `json:"branch_summary,omitempty"`
	Custom        *v1Custom                 `json:"custom,omitempty"`
}

type v1ThinkingLevel struct {
	ThinkingLevel string `json:"thinking_level"`
}

type v1SessionInfo struct {
	Name string `json:"name"`
}

type v1Compaction struct {
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"first_kept_entry_id"`
	TokensBefore     int    `json:"tokens_before"`
}

type v1Custom struct {
	CustomType string         `json:"custom_type"`
	Data       map[string]any `json:"data"`
}

func parseV1Header(data []byte) (store.Header, error) {
	var h v1Header
	if err := json.Unmarshal(data, &h); err != nil {
		return store.Header{}, err
	}
	return store.Header{
		Type:          h.Type,
		ID:            h.ID,
		Profile:       h.Agent,
		Version:       h.Version,
		ParentSession: h.ParentSession,
		CreatedAt:     h.CreatedAt,
	}, nil
}

// migrateV1 converts bare version 1 entry lines into current-format
// entries on the main branch, with sequence numbers assigned in file
// order. In-path compaction entries are rehung as side nodes of their cut
// point: the compaction moves under the parent of its first kept entry,
// and anything that was appended under the compaction moves to the
// pre-compaction leaf. Materialization then reproduces the old "summary
// plus kept tail" context exactly.
func migrateV1(sessionID string, lines [][]byte) ([]store.Entry, error) {
	var old []v1Entry
	for i, line := range lines {
		var e v1Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, store.Corruptf(sessionID, "", "unreadable version 1 record %d: %v", i+1, err)
		}
		old = append(old, e)
	}

	entries := make([]store.Entry, 0, len(old))
	byID := make(map[string]int, len(old))
	for i, e := range old {
		if _, dup := byID[e.ID]; dup {
			return nil, store.Corruptf(sessionID, e.ID, "duplicate entry id")
		}
		byID[e.ID] = i

		n := store.Entry{
			Type:          e.Type,
			ID:            e.ID,
			ParentID:      e.ParentID,
			Branch:        store.BranchMain,
			Seq:           uint64(i + 1),
			Timestamp:     e.Timestamp,
			Message:       e.Message,
			ModelChange:   e.ModelChange,
			Label:         e.Label,
			BranchSummary: e.BranchSummary,
		}
		if e.ThinkingLevel != nil {
			n.ThinkingLevel = &store.ThinkingLevelEntry{Level: e.ThinkingLevel.ThinkingLevel}
		}
		if e.SessionInfo != nil {
			n.Type = store.TypeRename
			n.Rename = &store.RenameEntry{Name: e.SessionInfo.Name}
		}
		if e.Custom != nil {
			n.Custom = &store.CustomEntry{Kind: e.Custom.CustomType, Data: e.Custom.Data}
		}
		if e.Compaction != nil {
			n.Compaction = &store.CompactionEntry{
				Summary:      e.Compaction.Summary,
				TokensBefore: e.Compaction.TokensBefore,
			}
		}
		entries = append(entries, n)
	}

	// Rehang compactions. Children reparent first so chained compactions
	// resolve against the already-adjusted tree.
	for i := range entries {
		c := &entries[i]
		if c.Type != store.TypeCompaction {
			continue
		}
		oldParent := c.ParentID

		for j := range entries {
			p := entries[j].ParentID
			if p != nil && *p == c.ID {
				entries[j].ParentID = oldParent
			}
		}

		firstKept := old[i].Compaction.FirstKeptEntryID
		if firstKept == "" {
			// Nothing kept: the summary replaces everything up to the
			// old parent, which already is the cut point.
			continue
		}
		ki, ok := byID[firstKept]
		if !ok {
			return nil, store.Corruptf(sessionID, c.ID, "compaction keeps unknown entry %q", firstKept)
		}
		cut := entries[ki].ParentID
		if cut == nil {
			// The summary kept the root, so it replaced nothing. Drop it
			// rather than invent a cut point before the root.
			slog.Warn("Dropping empty compaction during migration", "session", sessionID, "entry", c.ID)
			c.Type = ""
			continue
		}
		c.ParentID = cut
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Type == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
