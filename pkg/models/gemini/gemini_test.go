package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

func TestToGenaiSchema(t *testing.T) {
	schema := &models.Schema{
		Type: "object",
		Properties: map[string]*models.Schema{
			"path":  {Type: "string", Description: "file path"},
			"lines": {Type: "array", Items: &models.Schema{Type: "integer"}},
		},
		Required: []string{"path"},
	}

	got := toGenaiSchema(schema)
	if got.Type != genai.TypeObject {
		t.Errorf("Type = %v, want object", got.Type)
	}
	if got.Properties["path"].Type != genai.TypeString {
		t.Errorf("path type = %v", got.Properties["path"].Type)
	}
	if got.Properties["lines"].Items.Type != genai.TypeInteger {
		t.Errorf("items type = %v", got.Properties["lines"].Items.Type)
	}
	if len(got.Required) != 1 || got.Required[0] != "path" {
		t.Errorf("Required = %v", got.Required)
	}
	if toGenaiSchema(nil) != nil {
		t.Error("nil schema should stay nil")
	}
}

func TestToGenaiContent(t *testing.T) {
	callNames := map[string]string{"call-1": "run_shell"}

	msg := models.Message{
		Role: store.RoleTool,
		Content: []store.Content{{
			Type:       store.ContentTypeToolResult,
			ToolResult: &store.ToolResultContent{ToolUseID: "call-1", Content: "ok"},
		}},
	}
	content := toGenaiContent(msg, callNames)
	if content == nil || content.Role != "user" {
		t.Fatalf("content = %+v", content)
	}
	fr, ok := content.Parts[0].(genai.FunctionResponse)
	if !ok {
		t.Fatalf("part = %T, want FunctionResponse", content.Parts[0])
	}
	if fr.Name != "run_shell" {
		t.Errorf("FunctionResponse.Name = %q, want run_shell", fr.Name)
	}
	if fr.Response["result"] != "ok" {
		t.Errorf("Response = %v", fr.Response)
	}

	// Error results report under the error key.
	msg.Content[0].ToolResult.IsError = true
	fr = toGenaiContent(msg, callNames).Parts[0].(genai.FunctionResponse)
	if fr.Response["error"] != "ok" {
		t.Errorf("error Response = %v", fr.Response)
	}

	// Assistant role maps to "model".
	assistant := models.Message{Role: store.RoleAssistant, Content: []store.Content{store.Text("hi")}}
	if got := toGenaiContent(assistant, nil); got.Role != "model" {
		t.Errorf("assistant role = %q", got.Role)
	}

	// Thinking-only messages have nothing to send.
	thinking := models.Message{Role: store.RoleAssistant, Content: []store.Content{{
		Type:     store.ContentTypeThinking,
		Thinking: &store.ThinkingContent{Content: "..."},
	}}}
	if got := toGenaiContent(thinking, nil); got != nil {
		t.Errorf("thinking-only content = %+v, want nil", got)
	}
}

func TestStreamTranslate(t *testing.T) {
	s := &geminiStream{}

	s.translate(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{
				genai.Text("thinking about it... "),
				genai.FunctionCall{Name: "ls", Args: map[string]any{"path": "."}},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 7},
	})

	if len(s.queue) != 3 {
		t.Fatalf("queued %d events, want 3 (text, call start, call end)", len(s.queue))
	}
	if s.queue[0].Type != models.EventTextDelta {
		t.Errorf("event 0 = %v", s.queue[0].Type)
	}
	if s.queue[1].Type != models.EventToolCallStart || s.queue[1].Call.Name != "ls" {
		t.Errorf("event 1 = %+v", s.queue[1])
	}
	end := s.queue[2]
	if end.Type != models.EventToolCallEnd || end.Call.ID == "" {
		t.Errorf("call end should carry a minted id, got %+v", end)
	}
	if end.Call.ID != s.queue[1].Call.ID {
		t.Error("start and end events should share the call id")
	}
	if s.usage.InputTokens != 100 || s.usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", s.usage)
	}

	// Tool calls win over the recorded finish reason.
	if got := s.stopReason(); got != models.StopReasonToolUse {
		t.Errorf("stopReason() = %q, want toolUse", got)
	}
}

func TestStreamStopReason(t *testing.T) {
	s := &geminiStream{}
	s.translate(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	})
	if got := s.stopReason(); got != models.StopReasonLength {
		t.Errorf("stopReason() = %q, want length", got)
	}
}
