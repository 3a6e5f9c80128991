package models

import (
	"io"
	"strings"

	"github.com/weft-dev/weft/pkg/store"
)

// StopReason explains why a model turn ended.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"    // natural end of turn
	StopReasonLength  StopReason = "length"  // output token limit hit
	StopReasonToolUse StopReason = "toolUse" // model requested tool calls
	StopReasonError   StopReason = "error"   // turn failed
	StopReasonAborted StopReason = "aborted" // canceled by the caller
)

// EventType identifies a stream event.
type EventType string

const (
	EventTurnStart     EventType = "turn_start"
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventTurnEnd       EventType = "turn_end"
)

// Event is one unit of streamed model output.
type Event struct {
	Type EventType `json:"type"`

	// Model is set on turn_start.
	Model string `json:"model,omitempty"`

	// Delta carries a text, thinking, or tool-argument fragment.
	Delta string `json:"delta,omitempty"`

	// Call is set on tool_call_start (id and name known) and on
	// tool_call_end (arguments complete).
	Call *store.ToolUseContent `json:"call,omitempty"`

	// StopReason and Usage are set on turn_end.
	StopReason StopReason   `json:"stop_reason,omitempty"`
	Usage      *store.Usage `json:"usage,omitempty"`
}

// Stream yields events from an in-flight model call.
//
// Recv returns io.EOF after the final turn_end event. Streams are not safe
// for concurrent use; one goroutine drains a stream.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Accumulate drains a stream into a completed response. Text and thinking
// fragments concatenate into single blocks; tool calls are taken from
// their tool_call_end events. The caller still owns Close.
func Accumulate(stream Stream) (*Response, error) {
	resp := &Response{}
	var text, thinking strings.Builder
	var calls []store.Content

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch event.Type {
		case EventTurnStart:
			resp.Model = event.Model
		case EventTextDelta:
			text.WriteString(event.Delta)
		case EventThinkingDelta:
			thinking.WriteString(event.Delta)
		case EventToolCallEnd:
			if event.Call != nil {
				calls = append(calls, store.Content{Type: store.ContentTypeToolUse, ToolUse: event.Call})
			}
		case EventTurnEnd:
			resp.StopReason = event.StopReason
			if event.Usage != nil {
				resp.Usage = *event.Usage
			}
		}
	}

	if thinking.Len() > 0 {
		resp.Content = append(resp.Content, store.Content{
			Type:     store.ContentTypeThinking,
			Thinking: &store.ThinkingContent{Content: thinking.String()},
		})
	}
	if text.Len() > 0 {
		resp.Content = append(resp.Content, store.Text(text.String()))
	}
	resp.Content = append(resp.Content, calls...)

	if resp.StopReason == "" {
		if len(calls) > 0 {
			resp.StopReason = StopReasonToolUse
		} else {
			resp.StopReason = StopReasonStop
		}
	}
	return resp, nil
}
