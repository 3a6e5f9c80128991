package models

import (
	"context"
	"log/slog"

	"github.com/weft-dev/weft/pkg/store"
)

// LevelTrace is a custom log level below Debug for full wire dumps of
// provider traffic.
const LevelTrace = slog.Level(-8)

// Message is one conversation message as sent to a provider. It reuses the
// store content blocks so materialized entries convert without copying.
type Message struct {
	Role    store.MessageRole
	Content []store.Content
}

// ToolDef describes one callable tool in the request catalog.
type ToolDef struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the JSON-schema subset shared by the Gemini and OpenAI
// function-calling formats. OpenAI-compatible APIs take its JSON encoding
// verbatim; the Gemini adapter converts it to the SDK's schema type.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Request is a provider-agnostic model call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef

	MaxOutputTokens int
	Temperature     *float32

	// ThinkingLevel requests reasoning depth ("low", "medium", "high").
	// Adapters that cannot express it ignore it.
	ThinkingLevel string
}

// Response is a completed assistant turn.
type Response struct {
	Content    []store.Content
	StopReason StopReason
	Usage      store.Usage
	Model      string
}

// Provider is implemented by model API backends.
type Provider interface {
	// Stream sends a request and returns a stream of events. The caller
	// must Close the stream, even after an error.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Complete sends a request and blocks until the full response is
// available. Used where streaming granularity is not needed, e.g. the
// compactor's summarization call.
func Complete(ctx context.Context, provider Provider, req Request) (*Response, error) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return Accumulate(stream)
}

const (
	compactionPreamble    = "Summary of the conversation so far:\n\n"
	branchSummaryPreamble = "Summary of an earlier exploration of this task:\n\n"
)

// FromEntries converts a materialized context into provider messages.
// Compaction and branch-summary entries render as user-role text; entries
// that carry no conversational content (model changes, labels, renames)
// are skipped.
func FromEntries(entries []store.Entry) []Message {
	messages := make([]Message, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Message != nil:
			messages = append(messages, Message{Role: e.Message.Role, Content: e.Message.Content})
		case e.Compaction != nil:
			messages = append(messages, Message{
				Role:    store.RoleUser,
				Content: []store.Content{store.Text(compactionPreamble + e.Compaction.Summary)},
			})
		case e.BranchSummary != nil:
			messages = append(messages, Message{
				Role:    store.RoleUser,
				Content: []store.Content{store.Text(branchSummaryPreamble + e.BranchSummary.Summary)},
			})
		}
	}
	return messages
}
