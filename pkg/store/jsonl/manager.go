package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weft-dev/weft/pkg/store"
)

// Store implements store.Store on a directory of JSONL session files plus
// one JSON file per profile.
type Store struct {
	rootDir    string
	profileDir string
	sessDir    string
	eventChan  chan string
	mu         sync.RWMutex
	subs       []chan string
}

var _ store.Store = (*Store)(nil)

func NewStore(rootDir string) *Store {
	m := &Store{
		rootDir:    rootDir,
		profileDir: filepath.Join(rootDir, "profiles"),
		sessDir:    filepath.Join(rootDir, "sessions"),
		eventChan:  make(chan string, 100),
	}
	// Best effort; opening a session later surfaces real permission errors.
	os.MkdirAll(m.profileDir, 0755)
	os.MkdirAll(m.sessDir, 0755)

	go m.broadcastLoop()
	return m
}

// Index is the sessions/index.json structure.
type Index struct {
	Sessions []SessionMeta `json:"sessions"`
}

type SessionMeta struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	ProfileID   string    `json:"profile_id"`
	ProfileName string    `json:"profile_name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
}

func (m *Store) indexPath() string {
	return filepath.Join(m.sessDir, "index.json")
}

func (m *Store) updateIndex(meta SessionMeta) error {
	var idx Index
	if data, err := os.ReadFile(m.indexPath()); err == nil {
		json.Unmarshal(data, &idx)
	}

	found := false
	for i, s := range idx.Sessions {
		if s.ID == meta.ID {
			idx.Sessions[i] = meta
			found = true
			break
		}
	}
	if !found {
		idx.Sessions = append(idx.Sessions, meta)
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.indexPath(), data, 0644)
}

func (m *Store) readIndex() ([]SessionMeta, error) {
	data, err := os.ReadFile(m.indexPath())
	if os.IsNotExist(err) {
		return []SessionMeta{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return idx.Sessions, nil
}

func (m *Store) broadcastLoop() {
	for id := range m.eventChan {
		m.mu.RLock()
		for _, sub := range m.subs {
			// Non-blocking send; slow subscribers miss ticks, not state.
			select {
			case sub <- id:
			default:
			}
		}
		m.mu.RUnlock()
	}
}

func (m *Store) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 10)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Store) publish(id string) {
	select {
	case m.eventChan <- id:
	default:
	}
}

func (m *Store) NewSession(profileID, parentSessionID string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, err := m.resolveProfileLocked(profileID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("creating sessions directory: %w", err)
	}

	now := time.Now()
	header := store.Header{
		Type:          store.TypeSession,
		ID:            uuid.New().String(),
		Profile:       *profile,
		Version:       store.FormatVersion,
		ParentSession: parentSessionID,
		CreatedAt:     now,
	}
	s, err := m.createSessionFile(header)
	if err != nil {
		return nil, err
	}

	meta := SessionMeta{
		ID:          s.id,
		Path:        s.filePath,
		Status:      store.SessionStatusActive,
		ProfileID:   profile.ID,
		ProfileName: profile.Name,
		Created:     now,
		Modified:    now,
	}
	if err := m.updateIndex(meta); err != nil {
		slog.Error("Failed to update session index", "error", err)
	}

	return s, nil
}

// resolveProfileLocked looks up the requested profile. An empty ID falls
// back to "default", then to any existing profile, then creates one.
func (m *Store) resolveProfileLocked(profileID string) (*store.Profile, error) {
	if profileID == "" {
		profileID = "default"
	}

	profile, err := m.GetProfile(profileID)
	if err == nil {
		return profile, nil
	}
	if profileID != "default" {
		return nil, fmt.Errorf("getting profile %s: %w", profileID, err)
	}

	profiles, listErr := m.listProfilesLocked()
	if listErr == nil && len(profiles) > 0 {
		return &profiles[0], nil
	}

	def := &store.Profile{
		ID:           "default",
		Name:         "Default",
		Instructions: "You are a coding assistant working in the user's repository.",
		Model:        "models/gemini-2.5-flash",
	}
	if createErr := m.newProfileLocked(def); createErr != nil {
		return nil, fmt.Errorf("creating default profile: %w", createErr)
	}
	return def, nil
}

// createSessionFile writes the header and the main branch record, returning
// a live session positioned for appends.
func (m *Store) createSessionFile(header store.Header) (*Session, error) {
	path := filepath.Join(m.sessDir, header.ID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating session file: %w", err)
	}

	s := &Session{
		id:         header.ID,
		filePath:   path,
		fileHandle: f,
		header:     header,
		entries:    make(map[string]store.Entry),
		branches: map[string]store.Branch{
			store.BranchMain: {Name: store.BranchMain, Created: header.CreatedAt},
		},
		leaves:  map[string]string{store.BranchMain: ""},
		labels:  make(map[string]string),
		active:  store.BranchMain,
		nextSeq: 1,
		notify:  m.publish,
	}

	if err := s.writeLine(header); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing session header: %w", err)
	}
	fr := forkRecord{Name: store.BranchMain, Created: header.CreatedAt}
	if err := s.writeLine(record{Fork: &fr}); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing main branch record: %w", err)
	}
	return s, nil
}

func (m *Store) LoadSession(id string) (store.Session, error) {
	path := filepath.Join(m.sessDir, id+".jsonl")
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session file: %w", err)
	}

	s := &Session{
		id:         id,
		filePath:   path,
		fileHandle: f,
		notify:     m.publish,
	}
	s.mu.Lock()
	err = s.replayLocked()
	s.mu.Unlock()
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (m *Store) ContinueRecent() (store.Session, error) {
	infos, err := m.ListSessions()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no sessions found in %s", m.sessDir)
	}
	return m.LoadSession(infos[0].ID)
}

// ForkSession copies a session's records verbatim into a new session that
// references the source as its parent. Loading the source first upgrades
// old-format files, so the copy always sees current records.
func (m *Store) ForkSession(id string) (store.Session, error) {
	src, err := m.LoadSession(id)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	srcHeader := src.Header()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	header := store.Header{
		Type:          store.TypeSession,
		ID:            uuid.New().String(),
		Name:          srcHeader.Name,
		Profile:       srcHeader.Profile,
		Version:       store.FormatVersion,
		ParentSession: id,
		CreatedAt:     now,
	}
	dest, err := m.createSessionFile(header)
	if err != nil {
		return nil, err
	}

	if err := m.copyRecords(src.Path(), dest); err != nil {
		dest.Close()
		os.Remove(dest.filePath)
		return nil, err
	}

	dest.mu.Lock()
	err = dest.replayLocked()
	dest.mu.Unlock()
	if err != nil {
		dest.Close()
		return nil, err
	}

	meta := SessionMeta{
		ID:          dest.id,
		Path:        dest.filePath,
		Name:        srcHeader.Name,
		Status:      store.SessionStatusActive,
		ProfileID:   srcHeader.Profile.ID,
		ProfileName: srcHeader.Profile.Name,
		Created:     now,
		Modified:    now,
	}
	if err := m.updateIndex(meta); err != nil {
		slog.Error("Failed to update session index", "error", err)
	}

	return dest, nil
}

// copyRecords appends every record line of srcPath (header excluded) to the
// destination session file.
func (m *Store) copyRecords(srcPath string, dest *Session) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("reading source header: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := dest.fileHandle.WriteString(line); err != nil {
			return err
		}
	}
}

func (m *Store) ListSessions() ([]store.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas, err := m.readIndex()
	if err != nil {
		return nil, err
	}

	var infos []store.SessionInfo
	for _, meta := range metas {
		modified := meta.Modified
		if fi, err := os.Stat(meta.Path); err == nil {
			modified = fi.ModTime()
		}
		infos = append(infos, store.SessionInfo{
			ID:          meta.ID,
			Path:        meta.Path,
			Name:        meta.Name,
			Status:      meta.Status,
			ProfileID:   meta.ProfileID,
			ProfileName: meta.ProfileName,
			Created:     meta.Created,
			Modified:    modified,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})

	return infos, nil
}

func (m *Store) SetSessionStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metas, err := m.readIndex()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if meta.ID == id {
			meta.Status = status
			return m.updateIndex(meta)
		}
	}
	return fmt.Errorf("session %s not found", id)
}

// Profile methods.

func (m *Store) listProfilesLocked() ([]store.Profile, error) {
	if _, err := os.Stat(m.profileDir); os.IsNotExist(err) {
		return []store.Profile{}, nil
	}

	entries, err := os.ReadDir(m.profileDir)
	if err != nil {
		return nil, err
	}

	var profiles []store.Profile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.profileDir, e.Name()))
		if err != nil {
			continue
		}
		var p store.Profile
		if err := json.Unmarshal(data, &p); err == nil {
			profiles = append(profiles, p)
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

func (m *Store) newProfileLocked(p *store.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.profileDir, p.ID+".json"), data, 0644)
}

func (m *Store) NewProfile(p *store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newProfileLocked(p)
}

func (m *Store) UpdateProfile(p *store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		return fmt.Errorf("profile ID is required for update")
	}
	path := filepath.Join(m.profileDir, p.ID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("profile %s not found", p.ID)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *Store) DeleteProfile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.profileDir, id+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("profile %s not found", id)
	}
	return os.Remove(path)
}

func (m *Store) ListProfiles() ([]store.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProfilesLocked()
}

func (m *Store) GetProfile(id string) (*store.Profile, error) {
	data, err := os.ReadFile(filepath.Join(m.profileDir, id+".json"))
	if err != nil {
		return nil, err
	}
	var p store.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
