package store

// Store manages the sessions under one root directory or database.
type Store interface {
	// NewSession initializes a new session using the given profile.
	// profileID: ID of the profile configuration to use ("" picks a default).
	// parentSessionID: optional ID of the session this one was forked from.
	NewSession(profileID, parentSessionID string) (Session, error)

	// LoadSession opens an existing session by its ID, migrating old record
	// formats and verifying the tree invariants before serving it.
	LoadSession(id string) (Session, error)

	// ContinueRecent loads the most recently modified session.
	ContinueRecent() (Session, error)

	// ForkSession copies an existing session's records into a new session.
	ForkSession(id string) (Session, error)

	// ListSessions returns metadata for all stored sessions.
	ListSessions() ([]SessionInfo, error)

	// SetSessionStatus updates the status of a session.
	SetSessionStatus(id, status string) error

	// Subscribe returns a channel that emits session IDs whenever an entry
	// is appended to any managed session.
	Subscribe() <-chan string

	// NewProfile creates a new profile configuration.
	NewProfile(p *Profile) error

	// UpdateProfile updates an existing profile configuration.
	UpdateProfile(p *Profile) error

	// DeleteProfile deletes a profile configuration by ID.
	DeleteProfile(id string) error

	// ListProfiles returns all available profiles.
	ListProfiles() ([]Profile, error)

	// GetProfile returns a specific profile by ID.
	GetProfile(id string) (*Profile, error)
}

// Session is a handle on one conversation tree. Appends go to the active
// branch; entries are immutable once written and are shared structurally
// between branches that diverged from a common prefix.
type Session interface {
	// ID returns the session's unique identifier.
	ID() string

	// Path returns the location of the session's backing storage.
	Path() string

	// Header returns the session metadata.
	Header() Header

	// Active returns the name of the branch that subsequent appends target.
	Active() string

	// Branches returns all branch pointers of the session.
	Branches() []Branch

	// Leaf returns the leaf entry ID of the named branch ("" for active).
	Leaf(branch string) (string, error)

	// Get looks up a single entry by ID.
	Get(id string) (Entry, bool)

	// Append adds an entry as a child of the active branch's leaf and
	// advances that leaf. Commit order assigns the sequence number.
	Append(e Entry) (string, error)

	// AppendMessage appends a conversation message on the active branch.
	AppendMessage(role MessageRole, content []Content) (string, error)

	// AppendAssistant appends a completed assistant message, carrying the
	// model name and usage for budget accounting.
	AppendAssistant(msg *MessageEntry) (string, error)

	// AppendCompaction appends a compaction entry as a child of cutPointID,
	// logically replacing the path prefix that ends there. The branch leaf
	// does not move; the compacted tail stays literal.
	AppendCompaction(c *CompactionEntry, cutPointID string) (string, error)

	// AppendBranchSummary records a summary of an abandoned path.
	AppendBranchSummary(summary, fromID string) (string, error)

	// AppendModelChange records a shift in the underlying model.
	AppendModelChange(provider, modelID string) (string, error)

	// AppendThinkingLevel records a change in reasoning depth.
	AppendThinkingLevel(level string) (string, error)

	// AppendRename updates the session display name.
	AppendRename(name string) (string, error)

	// AppendCustom persists arbitrary extension data.
	AppendCustom(kind string, data map[string]any) (string, error)

	// SetLabel associates a bookmark string with an entry.
	// targetID: ID of the entry to label.
	// label: the text of the label (pass empty string to clear).
	SetLabel(targetID, label string) (string, error)

	// Fork creates a new branch pointer at an existing entry. It does not
	// copy entries and does not change the active branch.
	Fork(fromEntryID, name string) error

	// Switch changes the active branch used by subsequent appends.
	Switch(name string) error

	// Materialize builds the context for a branch ("" for active): the
	// root-to-leaf path with the latest compaction expanded into summary
	// plus literal tail.
	Materialize(branch string) ([]Entry, error)

	// Tree returns the full session as a hierarchical structure.
	Tree() ([]Node, error)

	// Refresh reloads session state from the underlying storage, for when
	// another process appended entries.
	Refresh() error

	// Close releases any resources held by the session.
	Close() error
}
