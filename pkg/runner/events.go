package runner

import (
	"sync"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

// State is the loop's observable phase.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingModel      State = "awaiting_model"
	StateDispatchingTools   State = "dispatching_tools"
	StateAwaitingCompaction State = "awaiting_compaction"
	StateAborted            State = "aborted"
	StateTerminated         State = "terminated"
)

// EventType identifies a loop progress event.
type EventType string

const (
	EventTurnStart  EventType = "turn_start"
	EventModelDelta EventType = "model_delta"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventCompaction EventType = "compaction"
	EventTurnEnd    EventType = "turn_end"
)

// Event is one unit of loop progress forwarded to the caller's sink. A
// retried model call emits a fresh turn_start; sinks should treat that as
// a reset of the in-progress turn.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Branch    string    `json:"branch"`

	// Model is set on turn_start.
	Model string `json:"model,omitempty"`

	// Delta carries a model output fragment; Thinking marks reasoning.
	Delta    string `json:"delta,omitempty"`
	Thinking bool   `json:"thinking,omitempty"`

	// Call is set on tool_start and tool_end.
	Call *store.ToolUseContent `json:"call,omitempty"`

	// IsError is set on tool_end when the result carries an error.
	IsError bool `json:"is_error,omitempty"`

	// EntryID names the persisted entry: the result on tool_end, the
	// assistant message on turn_end, the summary on compaction.
	EntryID string `json:"entry_id,omitempty"`

	// StopReason and Usage are set on turn_end.
	StopReason models.StopReason `json:"stop_reason,omitempty"`
	Usage      *store.Usage      `json:"usage,omitempty"`
}

// Sink receives loop events. The loop calls it inline, so implementations
// must not block.
type Sink func(Event)

// messageQueue collects messages posted while the loop is busy.
type messageQueue struct {
	mu    sync.Mutex
	items [][]store.Content
}

func (q *messageQueue) push(content []store.Content) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, content)
}

func (q *messageQueue) drain() [][]store.Content {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *messageQueue) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}
