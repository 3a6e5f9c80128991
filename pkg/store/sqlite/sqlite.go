package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/weft-dev/weft/pkg/store"
)

// Store implements store.Store on a single SQLite database. Sessions,
// branches, and entries live in relational tables; entry payloads are kept
// as JSON so the schema does not chase the entry union.
type Store struct {
	db          *sql.DB
	dbPath      string
	subscribers []chan string
	mu          sync.RWMutex
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		tools TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		profile TEXT NOT NULL DEFAULT '{}',
		parent_session TEXT NOT NULL DEFAULT '',
		active_branch TEXT NOT NULL DEFAULT 'main',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		base TEXT NOT NULL DEFAULT '',
		created DATETIME NOT NULL,
		PRIMARY KEY (session_id, name),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS entries (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session_seq ON entries(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Sessions ---

func (s *Store) NewSession(profileID, parentSessionID string) (store.Session, error) {
	profile, err := s.resolveProfile(profileID)
	if err != nil {
		return nil, err
	}
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.New().String()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (id, name, status, profile, parent_session, active_branch, created_at, updated_at)
		 VALUES (?, '', ?, ?, ?, ?, ?, ?)`,
		id, store.SessionStatusActive, string(profileJSON), parentSessionID, store.BranchMain, now, now,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO branches (session_id, name, base, created) VALUES (?, ?, '', ?)`,
		id, store.BranchMain, now,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Session{
		owner: s,
		id:    id,
		header: store.Header{
			Type:          store.TypeSession,
			ID:            id,
			Profile:       *profile,
			Version:       store.FormatVersion,
			ParentSession: parentSessionID,
			CreatedAt:     now,
		},
		entries: make(map[string]store.Entry),
		branches: map[string]store.Branch{
			store.BranchMain: {Name: store.BranchMain, Created: now},
		},
		leaves:  map[string]string{store.BranchMain: ""},
		labels:  make(map[string]string),
		active:  store.BranchMain,
		nextSeq: 1,
	}, nil
}

// resolveProfile mirrors the jsonl backend: empty falls back to "default",
// then to any profile, then creates one.
func (s *Store) resolveProfile(profileID string) (*store.Profile, error) {
	if profileID == "" {
		profileID = "default"
	}

	profile, err := s.GetProfile(profileID)
	if err == nil {
		return profile, nil
	}
	if profileID != "default" {
		return nil, fmt.Errorf("getting profile %s: %w", profileID, err)
	}

	profiles, listErr := s.ListProfiles()
	if listErr == nil && len(profiles) > 0 {
		return &profiles[0], nil
	}

	def := &store.Profile{
		ID:           "default",
		Name:         "Default",
		Instructions: "You are a coding assistant working in the user's repository.",
		Model:        "models/gemini-2.5-flash",
	}
	if createErr := s.NewProfile(def); createErr != nil {
		return nil, fmt.Errorf("creating default profile: %w", createErr)
	}
	return def, nil
}

func (s *Store) LoadSession(id string) (store.Session, error) {
	var (
		name, status, profileJSON, parent, active string
		createdAt, updatedAt                      time.Time
	)
	err := s.db.QueryRow(
		`SELECT name, status, profile, parent_session, active_branch, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&name, &status, &profileJSON, &parent, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	var profile store.Profile
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		return nil, store.Corruptf(id, "", "unreadable profile snapshot: %v", err)
	}

	branches := make(map[string]store.Branch)
	rows, err := s.db.Query(`SELECT name, base, created FROM branches WHERE session_id = ?`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var b store.Branch
		if err := rows.Scan(&b.Name, &b.Base, &b.Created); err != nil {
			rows.Close()
			return nil, err
		}
		branches[b.Name] = b
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, ok := branches[store.BranchMain]; !ok {
		return nil, store.Corruptf(id, "", "session has no %s branch", store.BranchMain)
	}
	if _, ok := branches[active]; !ok {
		return nil, store.Corruptf(id, "", "active branch %q not declared", active)
	}

	entries := make(map[string]store.Entry)
	labels := make(map[string]string)
	var nextSeq uint64 = 1
	rows, err = s.db.Query(`SELECT payload FROM entries WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		var e store.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			rows.Close()
			return nil, store.Corruptf(id, "", "unreadable entry payload: %v", err)
		}
		if _, ok := branches[e.Branch]; !ok {
			rows.Close()
			return nil, store.Corruptf(id, e.ID, "entry on undeclared branch %q", e.Branch)
		}
		entries[e.ID] = e
		if e.Seq >= nextSeq {
			nextSeq = e.Seq + 1
		}
		if e.Type == store.TypeLabel && e.Label != nil {
			labels[e.Label.TargetID] = e.Label.Label
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	branchList := make([]store.Branch, 0, len(branches))
	for _, b := range branches {
		branchList = append(branchList, b)
	}
	if err := store.Verify(id, entries, branchList); err != nil {
		return nil, err
	}

	leaves := make(map[string]string, len(branches))
	for bname, b := range branches {
		leaves[bname] = store.LeafOf(entries, b)
	}

	return &Session{
		owner: s,
		id:    id,
		header: store.Header{
			Type:          store.TypeSession,
			ID:            id,
			Name:          name,
			Profile:       profile,
			Version:       store.FormatVersion,
			ParentSession: parent,
			CreatedAt:     createdAt,
		},
		entries:  entries,
		branches: branches,
		leaves:   leaves,
		labels:   labels,
		active:   active,
		nextSeq:  nextSeq,
	}, nil
}

func (s *Store) ContinueRecent() (store.Session, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM sessions ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no sessions found in %s", s.dbPath)
	}
	if err != nil {
		return nil, err
	}
	return s.LoadSession(id)
}

// ForkSession copies a session's rows into a new session that references
// the source as its parent.
func (s *Store) ForkSession(id string) (store.Session, error) {
	// Loading first verifies the source tree before it is duplicated.
	src, err := s.LoadSession(id)
	if err != nil {
		return nil, err
	}
	srcHeader := src.Header()
	src.Close()

	newID := uuid.New().String()
	now := time.Now().UTC()
	profileJSON, err := json.Marshal(srcHeader.Profile)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (id, name, status, profile, parent_session, active_branch, created_at, updated_at)
		 SELECT ?, name, ?, ?, ?, active_branch, ?, ? FROM sessions WHERE id = ?`,
		newID, store.SessionStatusActive, string(profileJSON), id, now, now, id,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO branches (session_id, name, base, created)
		 SELECT ?, name, base, created FROM branches WHERE session_id = ?`,
		newID, id,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO entries (session_id, id, seq, payload)
		 SELECT ?, id, seq, payload FROM entries WHERE session_id = ?`,
		newID, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.LoadSession(newID)
}

func (s *Store) ListSessions() ([]store.SessionInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, name, status, profile, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.SessionInfo
	for rows.Next() {
		var (
			info        store.SessionInfo
			profileJSON string
		)
		if err := rows.Scan(&info.ID, &info.Name, &info.Status, &profileJSON, &info.Created, &info.Modified); err != nil {
			return nil, err
		}
		var profile store.Profile
		if err := json.Unmarshal([]byte(profileJSON), &profile); err == nil {
			info.ProfileID = profile.ID
			info.ProfileName = profile.Name
		}
		info.Path = s.dbPath
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) SetSessionStatus(id, status string) error {
	result, err := s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// --- Profiles ---

func (s *Store) NewProfile(p *store.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	tools, err := json.Marshal(p.Tools)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO profiles (id, name, instructions, model, tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Instructions, p.Model, string(tools), now, now,
	)
	return err
}

func (s *Store) UpdateProfile(p *store.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile ID is required for update")
	}
	tools, err := json.Marshal(p.Tools)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`UPDATE profiles SET name=?, instructions=?, model=?, tools=?, updated_at=? WHERE id=?`,
		p.Name, p.Instructions, p.Model, string(tools), time.Now().UTC(), p.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("profile %s not found", p.ID)
	}
	return nil
}

func (s *Store) DeleteProfile(id string) error {
	result, err := s.db.Exec(`DELETE FROM profiles WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("profile %s not found", id)
	}
	return nil
}

func (s *Store) ListProfiles() ([]store.Profile, error) {
	rows, err := s.db.Query(`SELECT id, name, instructions, model, tools FROM profiles ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []store.Profile
	for rows.Next() {
		var (
			p     store.Profile
			tools string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Instructions, &p.Model, &tools); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(tools), &p.Tools)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *Store) GetProfile(id string) (*store.Profile, error) {
	var (
		p     store.Profile
		tools string
	)
	err := s.db.QueryRow(
		`SELECT id, name, instructions, model, tools FROM profiles WHERE id=?`, id,
	).Scan(&p.ID, &p.Name, &p.Instructions, &p.Model, &tools)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(tools), &p.Tools)
	return &p, nil
}
