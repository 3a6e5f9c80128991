package store

import (
	"time"
)

// FormatVersion is the current persisted record format. Version 1 files
// (bare entry lines, implicit single branch) are upgraded on load.
const FormatVersion = 2

// EntryType defines the kind of session entry.
type EntryType string

const (
	TypeSession       EntryType = "session"
	TypeMessage       EntryType = "message"
	TypeCompaction    EntryType = "compaction"
	TypeBranchSummary EntryType = "branch_summary"
	TypeModelChange   EntryType = "model_change"
	TypeThinkingLevel EntryType = "thinking_level"
	TypeLabel         EntryType = "label"
	TypeRename        EntryType = "rename"
	TypeCustom        EntryType = "custom"
)

// MessageRole defines the role of a message in the conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool" // carries tool results
)

// BranchMain is the branch every session starts on.
const BranchMain = "main"

// Profile is a stored agent configuration. The session header embeds the
// profile that was active when the session was created.
type Profile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model,omitempty"` // default model
	Tools        []string `json:"tools,omitempty"` // allowed tools, empty means all
}

// Header is the first record of a session file (metadata).
type Header struct {
	Type          EntryType `json:"type"` // always "session"
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Profile       Profile   `json:"profile"`
	Version       int       `json:"version"`
	ParentSession string    `json:"parent_session,omitempty"`
	CreatedAt     time.Time `json:"timestamp"`
}

// Entry is a tagged union representing any record in the session tree.
// Entries are immutable once appended; Seq reflects commit order within
// the session and is strictly greater than the parent's Seq.
type Entry struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parent_id"` // nil for the root entry
	Branch    string    `json:"branch"`    // branch the entry was appended on
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// Payload pointers, exactly one non-nil.
	Message       *MessageEntry       `json:"message,omitempty"`
	Compaction    *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryEntry `json:"branch_summary,omitempty"`
	ModelChange   *ModelChangeEntry   `json:"model_change,omitempty"`
	ThinkingLevel *ThinkingLevelEntry `json:"thinking_level,omitempty"`
	Label         *LabelEntry         `json:"label,omitempty"`
	Rename        *RenameEntry        `json:"rename,omitempty"`
	Custom        *CustomEntry        `json:"custom,omitempty"`
}

// MessageEntry represents a conversation message.
type MessageEntry struct {
	Role    MessageRole `json:"role"`
	Content []Content   `json:"content"`
	Model   string      `json:"model,omitempty"`
	Usage   *Usage      `json:"usage,omitempty"`
}

// Usage holds token counts reported by a provider for one assistant turn.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CacheTokens  int     `json:"cache_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// Total returns the combined token count of the turn.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheTokens
}

// CompactionEntry carries a summary that logically replaces the path prefix
// ending at this entry's parent (the cut point). The replaced entries stay
// in the tree untouched; materialization substitutes the summary for them.
type CompactionEntry struct {
	Summary      string `json:"summary"`
	Replaced     int    `json:"replaced"` // literal entries the summary covers
	TokensBefore int    `json:"tokens_before"`
	TokensAfter  int    `json:"tokens_after"`
}

// BranchSummaryEntry captures context from an abandoned path when the
// conversation is rewound to an earlier entry.
type BranchSummaryEntry struct {
	Summary string `json:"summary"`
	FromID  string `json:"from_id"` // leaf of the abandoned path
}

// ModelChangeEntry records a shift in the underlying model.
type ModelChangeEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`
}

// ThinkingLevelEntry records a change in reasoning depth.
type ThinkingLevelEntry struct {
	Level string `json:"level"` // e.g. "high", "low", "off"
}

// LabelEntry associates a bookmark with an entry.
type LabelEntry struct {
	TargetID string `json:"target_id"`
	Label    string `json:"label,omitempty"` // empty to remove
}

// RenameEntry updates the session display name.
type RenameEntry struct {
	Name string `json:"name"`
}

// CustomEntry persists arbitrary extension data.
type CustomEntry struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

// ContentType defines the kind of message content.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeThinking   ContentType = "thinking"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// Content represents a single block of a message.
type Content struct {
	Type ContentType `json:"type"`

	// Only one of these will be non-nil.
	Text       *TextContent       `json:"text,omitempty"`
	Thinking   *ThinkingContent   `json:"thinking,omitempty"`
	Image      *ImageContent      `json:"image,omitempty"`
	ToolUse    *ToolUseContent    `json:"tool_use,omitempty"`
	ToolResult *ToolResultContent `json:"tool_result,omitempty"`
}

// Text is a convenience constructor for a plain text block.
func Text(s string) Content {
	return Content{Type: ContentTypeText, Text: &TextContent{Content: s}}
}

// TextContent contains literal text.
type TextContent struct {
	Content          string `json:"content"`
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// ThinkingContent contains model reasoning that is not part of the answer.
type ThinkingContent struct {
	Content string `json:"content"`
}

// ImageContent contains image data.
type ImageContent struct {
	Source *ImageSource `json:"source"`
}

// ImageSource defines the origin of image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolUseContent represents a call to a tool.
type ToolUseContent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Input            map[string]any `json:"input"`
	ThoughtSignature []byte         `json:"thought_signature,omitempty"`
}

// ToolResultContent represents the outcome of a tool call.
type ToolResultContent struct {
	ToolUseID string `json:"tool_use_id"`
	IsError   bool   `json:"is_error"`
	Content   string `json:"content"`
}

// Branch is a named pointer into the session tree. The leaf is not stored;
// it is the latest entry appended on the branch, or Base if none was.
type Branch struct {
	Name    string    `json:"name"`
	Base    string    `json:"base,omitempty"` // entry the branch was forked at
	Created time.Time `json:"created"`
}

// SessionInfo provides metadata about a stored session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	ProfileID   string    `json:"profile_id,omitempty"`
	ProfileName string    `json:"profile_name,omitempty"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
}

const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Node represents a hierarchical view of the session tree.
type Node struct {
	Entry    Entry    `json:"entry"`
	Children []Node   `json:"children,omitempty"`
	Label    string   `json:"label,omitempty"`
	Branches []string `json:"branches,omitempty"` // branch pointers whose leaf is this entry
}
