package openai

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

func TestToWireMessages(t *testing.T) {
	req := models.Request{
		System: "be brief",
		Messages: []models.Message{
			{Role: store.RoleUser, Content: []store.Content{store.Text("list files")}},
			{Role: store.RoleAssistant, Content: []store.Content{
				store.Text("on it"),
				{Type: store.ContentTypeToolUse, ToolUse: &store.ToolUseContent{
					ID: "call_1", Name: "ls", Input: map[string]any{"path": "."},
				}},
			}},
			{Role: store.RoleTool, Content: []store.Content{
				{Type: store.ContentTypeToolResult, ToolResult: &store.ToolResultContent{
					ToolUseID: "call_1", Content: "main.go",
				}},
			}},
		},
	}

	wire := toWireMessages(req)
	if len(wire) != 4 {
		t.Fatalf("got %d wire messages, want 4 (system, user, assistant, tool)", len(wire))
	}
	if wire[0].Role != openai.ChatMessageRoleSystem || wire[0].Content != "be brief" {
		t.Errorf("system = %+v", wire[0])
	}
	if wire[2].Role != openai.ChatMessageRoleAssistant {
		t.Errorf("assistant role = %q", wire[2].Role)
	}
	if len(wire[2].ToolCalls) != 1 || wire[2].ToolCalls[0].ID != "call_1" {
		t.Fatalf("assistant tool calls = %+v", wire[2].ToolCalls)
	}
	if wire[2].ToolCalls[0].Function.Arguments != `{"path":"."}` {
		t.Errorf("arguments = %q", wire[2].ToolCalls[0].Function.Arguments)
	}
	if wire[3].Role != openai.ChatMessageRoleTool || wire[3].ToolCallID != "call_1" {
		t.Errorf("tool result = %+v", wire[3])
	}
}

func TestStreamTranslate_ToolCallAssembly(t *testing.T) {
	s := &openaiStream{}
	idx := 0

	s.translate(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index: &idx, ID: "call_9", Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "read_file", Arguments: `{"path"`},
				}},
			},
		}},
	})
	s.translate(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					Function: openai.FunctionCall{Arguments: `:"go.mod"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	})

	// Events so far: start + two argument deltas.
	if len(s.queue) != 3 {
		t.Fatalf("queued %d events, want 3", len(s.queue))
	}
	if s.queue[0].Type != models.EventToolCallStart || s.queue[0].Call.ID != "call_9" {
		t.Errorf("event 0 = %+v", s.queue[0])
	}

	s.queue = nil
	s.flushCalls()
	if len(s.queue) != 1 || s.queue[0].Type != models.EventToolCallEnd {
		t.Fatalf("flush queued %+v", s.queue)
	}
	call := s.queue[0].Call
	if call.Input["path"] != "go.mod" {
		t.Errorf("assembled input = %v", call.Input)
	}
	if got := s.stopReason(); got != models.StopReasonToolUse {
		t.Errorf("stopReason() = %q", got)
	}
}

func TestStreamTranslate_UsageAndText(t *testing.T) {
	s := &openaiStream{}

	s.translate(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hi", ReasoningContent: "let me think"},
		}},
	})
	s.translate(openai.ChatCompletionStreamResponse{
		Usage: &openai.Usage{PromptTokens: 50, CompletionTokens: 9},
	})

	if len(s.queue) != 2 {
		t.Fatalf("queued %d events, want thinking + text", len(s.queue))
	}
	if s.queue[0].Type != models.EventThinkingDelta || s.queue[0].Delta != "let me think" {
		t.Errorf("event 0 = %+v", s.queue[0])
	}
	if s.queue[1].Type != models.EventTextDelta || s.queue[1].Delta != "hi" {
		t.Errorf("event 1 = %+v", s.queue[1])
	}
	if s.usage.InputTokens != 50 || s.usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", s.usage)
	}
}

func TestFlushCalls_BadJSONKeptRaw(t *testing.T) {
	s := &openaiStream{}
	call := &pendingCall{id: "call_x", name: "sh"}
	call.args.WriteString(`{"cmd": not json`)
	s.calls = append(s.calls, call)

	s.flushCalls()
	if len(s.queue) != 1 {
		t.Fatalf("queued %d events", len(s.queue))
	}
	if s.queue[0].Call.Input["raw"] != `{"cmd": not json` {
		t.Errorf("Input = %v", s.queue[0].Call.Input)
	}
}

func TestMapError(t *testing.T) {
	err := mapError(&openai.APIError{HTTPStatusCode: 429, Type: "tokens", Message: "rate limited"})
	var pe *models.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want ProviderError", err)
	}
	if !pe.IsRateLimited() || !pe.Retryable {
		t.Errorf("429 should be retryable rate limit, got %+v", pe)
	}

	err = mapError(&openai.APIError{HTTPStatusCode: 401, Type: "invalid_api_key", Message: "bad key"})
	if !errors.As(err, &pe) || pe.Retryable {
		t.Errorf("401 should be fatal, got %v", err)
	}

	plain := errors.New("dial tcp: connection refused")
	if got := mapError(plain); got != plain {
		t.Errorf("transport errors pass through, got %v", got)
	}
}
