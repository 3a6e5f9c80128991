package sqlite

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weft-dev/weft/pkg/store"
)

// Session implements store.Session backed by the shared database. The full
// entry arena is held in memory; appends write through to the entries table
// and bump the session's updated_at.
type Session struct {
	owner *Store

	mu       sync.RWMutex
	id       string
	header   store.Header
	entries  map[string]store.Entry
	branches map[string]store.Branch
	leaves   map[string]string
	labels   map[string]string
	active   string
	nextSeq  uint64
}

var _ store.Session = (*Session)(nil)

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.owner.dbPath }

func (s *Session) Header() store.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

func (s *Session) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) Branches() []store.Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (s *Session) Leaf(branch string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafLocked(branch)
}

func (s *Session) leafLocked(branch string) (string, error) {
	if branch == "" {
		branch = s.active
	}
	if _, ok := s.branches[branch]; !ok {
		return "", fmt.Errorf("branch not found: %s", branch)
	}
	return s.leaves[branch], nil
}

func (s *Session) Get(id string) (store.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Append applies the same rules as the jsonl backend: entries chain onto
// the active branch leaf, compactions parent to their cut point and leave
// the leaf in place.
func (s *Session) Append(e store.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := s.entries[e.ID]; exists {
		return "", fmt.Errorf("duplicate entry id: %s", e.ID)
	}

	leaf := s.leaves[s.active]
	if e.Type == store.TypeCompaction {
		if e.ParentID == nil || *e.ParentID == "" {
			return "", fmt.Errorf("compaction entry requires a cut point")
		}
		if err := s.onActivePathLocked(*e.ParentID); err != nil {
			return "", err
		}
	} else {
		if e.ParentID == nil {
			if leaf != "" {
				pid := leaf
				e.ParentID = &pid
			}
		} else if *e.ParentID != leaf {
			return "", fmt.Errorf("entry parent %s is not the active branch leaf", *e.ParentID)
		}
	}

	e.Branch = s.active
	e.Seq = s.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return "", err
	}

	tx, err := s.owner.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`INSERT INTO entries (session_id, id, seq, payload) VALUES (?, ?, ?, ?)`,
		s.id, e.ID, e.Seq, string(payload),
	); err != nil {
		return "", err
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), s.id,
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.nextSeq++
	s.entries[e.ID] = e
	if e.Type != store.TypeCompaction {
		s.leaves[s.active] = e.ID
	}
	if e.Type == store.TypeLabel && e.Label != nil {
		s.labels[e.Label.TargetID] = e.Label.Label
	}

	s.owner.notifySubscribers(s.id)
	return e.ID, nil
}

func (s *Session) onActivePathLocked(id string) error {
	currID := s.leaves[s.active]
	for currID != "" {
		if currID == id {
			return nil
		}
		e, ok := s.entries[currID]
		if !ok || e.ParentID == nil {
			break
		}
		currID = *e.ParentID
	}
	return fmt.Errorf("entry %s is not on the active branch path", id)
}

func (s *Session) AppendMessage(role store.MessageRole, content []store.Content) (string, error) {
	return s.Append(store.Entry{
		Type:    store.TypeMessage,
		Message: &store.MessageEntry{Role: role, Content: content},
	})
}

func (s *Session) AppendAssistant(msg *store.MessageEntry) (string, error) {
	if msg.Role == "" {
		msg.Role = store.RoleAssistant
	}
	return s.Append(store.Entry{Type: store.TypeMessage, Message: msg})
}

func (s *Session) AppendCompaction(c *store.CompactionEntry, cutPointID string) (string, error) {
	return s.Append(store.Entry{
		Type:       store.TypeCompaction,
		ParentID:   &cutPointID,
		Compaction: c,
	})
}

func (s *Session) AppendBranchSummary(summary, fromID string) (string, error) {
	return s.Append(store.Entry{
		Type:          store.TypeBranchSummary,
		BranchSummary: &store.BranchSummaryEntry{Summary: summary, FromID: fromID},
	})
}

func (s *Session) AppendModelChange(provider, modelID string) (string, error) {
	return s.Append(store.Entry{
		Type:        store.TypeModelChange,
		ModelChange: &store.ModelChangeEntry{Provider: provider, ModelID: modelID},
	})
}

func (s *Session) AppendThinkingLevel(level string) (string, error) {
	return s.Append(store.Entry{
		Type:          store.TypeThinkingLevel,
		ThinkingLevel: &store.ThinkingLevelEntry{Level: level},
	})
}

func (s *Session) AppendRename(name string) (string, error) {
	id, err := s.Append(store.Entry{
		Type:   store.TypeRename,
		Rename: &store.RenameEntry{Name: name},
	})
	if err != nil {
		return "", err
	}
	// Keep the listing in sync; the entry stays the source of truth.
	if _, err := s.owner.db.Exec(`UPDATE sessions SET name = ? WHERE id = ?`, name, s.id); err != nil {
		return id, err
	}
	s.mu.Lock()
	s.header.Name = name
	s.mu.Unlock()
	return id, nil
}

func (s *Session) AppendCustom(kind string, data map[string]any) (string, error) {
	return s.Append(store.Entry{
		Type:   store.TypeCustom,
		Custom: &store.CustomEntry{Kind: kind, Data: data},
	})
}

func (s *Session) SetLabel(targetID, label string) (string, error) {
	return s.Append(store.Entry{
		Type:  store.TypeLabel,
		Label: &store.LabelEntry{TargetID: targetID, Label: label},
	})
}

func (s *Session) Fork(fromEntryID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if _, exists := s.branches[name]; exists {
		return fmt.Errorf("branch already exists: %s", name)
	}
	if _, ok := s.entries[fromEntryID]; !ok {
		return fmt.Errorf("entry not found: %s", fromEntryID)
	}

	created := time.Now().UTC()
	if _, err := s.owner.db.Exec(
		`INSERT INTO branches (session_id, name, base, created) VALUES (?, ?, ?, ?)`,
		s.id, name, fromEntryID, created,
	); err != nil {
		return err
	}

	s.branches[name] = store.Branch{Name: name, Base: fromEntryID, Created: created}
	s.leaves[name] = fromEntryID
	s.owner.notifySubscribers(s.id)
	return nil
}

func (s *Session) Switch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[name]; !ok {
		return fmt.Errorf("branch not found: %s", name)
	}
	if name == s.active {
		return nil
	}

	if _, err := s.owner.db.Exec(
		`UPDATE sessions SET active_branch = ? WHERE id = ?`, name, s.id,
	); err != nil {
		return err
	}
	s.active = name
	return nil
}

func (s *Session) Materialize(branch string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leaf, err := s.leafLocked(branch)
	if err != nil {
		return nil, err
	}
	if leaf == "" {
		return nil, nil
	}
	return store.Resolve(s.id, s.entries, leaf)
}

func (s *Session) Tree() ([]store.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.BuildTree(s.entries, s.labels, store.Tips(s.branches, s.leaves)), nil
}

// Refresh reloads the arena from the database, picking up entries written
// by other handles on the same session.
func (s *Session) Refresh() error {
	fresh, err := s.owner.LoadSession(s.id)
	if err != nil {
		return err
	}
	f := fresh.(*Session)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = f.header
	s.entries = f.entries
	s.branches = f.branches
	s.leaves = f.leaves
	s.labels = f.labels
	s.active = f.active
	s.nextSeq = f.nextSeq
	return nil
}

// Close is a no-op; the connection belongs to the owning store.
func (s *Session) Close() error { return nil }
