package jsonl

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weft-dev/weft/pkg/store"
)

// record is one line of a session file after the header. Exactly one field
// is set: entries form the tree, fork lines create branch pointers, and
// checkout lines record which branch appends target.
type record struct {
	Entry    *store.Entry    `json:"entry,omitempty"`
	Fork     *forkRecord     `json:"fork,omitempty"`
	Checkout *checkoutRecord `json:"checkout,omitempty"`
}

type forkRecord struct {
	Name    string    `json:"name"`
	Base    string    `json:"base,omitempty"`
	Created time.Time `json:"created"`
}

type checkoutRecord struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Session implements the store.Session interface using a JSONL file.
type Session struct {
	mu         sync.RWMutex
	id         string
	filePath   string
	fileHandle *os.File
	header     store.Header
	entries    map[string]store.Entry
	branches   map[string]store.Branch
	leaves     map[string]string // branch name -> leaf entry id
	active     string
	nextSeq    uint64
	labels     map[string]string // entry id -> current label
	notify     func(string)
}

var _ store.Session = (*Session)(nil)

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.filePath }

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

// Append persists an entry on the active branch and advances its leaf.
// Compaction entries are the exception twice over: they parent to their cut
// point instead of the leaf, and they do not move the leaf.
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
		e.Timestamp = time.Now()
	}

	if err := s.writeLine(record{Entry: &e}); err != nil {
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

	if s.notify != nil {
		s.notify(s.id)
	}
	return e.ID, nil
}

// onActivePathLocked reports whether id is an ancestor of (or equal to) the
// active branch leaf.
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
	return s.Append(store.Entry{
		Type:   store.TypeRename,
		Rename: &store.RenameEntry{Name: name},
	})
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

// Fork creates a branch pointer at an existing entry. Entries are shared,
// nothing is copied, and the active branch stays put.
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

	fr := forkRecord{Name: name, Base: fromEntryID, Created: time.Now()}
	if err := s.writeLine(record{Fork: &fr}); err != nil {
		return err
	}

	s.branches[name] = store.Branch{Name: fr.Name, Base: fr.Base, Created: fr.Created}
	s.leaves[name] = fromEntryID
	if s.notify != nil {
		s.notify(s.id)
	}
	return nil
}

// Switch changes the active branch used by subsequent appends.
func (s *Session) Switch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[name]; !ok {
		return fmt.Errorf("branch not found: %s", name)
	}
	if name == s.active {
		return nil
	}

	cr := checkoutRecord{Name: name, At: time.Now()}
	if err := s.writeLine(record{Checkout: &cr}); err != nil {
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

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileHandle != nil {
		return s.fileHandle.Close()
	}
	return nil
}

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.fileHandle.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Refresh re-replays the session file, picking up entries appended by
// other processes. The file is append-only, so a full re-read converges
// with in-memory state.
func (s *Session) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayLocked()
}
