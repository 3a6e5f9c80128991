// Package openai adapts OpenAI-compatible chat completion APIs to the
// models.Provider interface using the sashabaranov/go-openai SDK. Any
// endpoint speaking the same protocol works via the base URL override.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

// Client implements models.Provider against an OpenAI-compatible API.
type Client struct {
	client *openai.Client
}

var _ models.Provider = (*Client)(nil)

// New creates a client. baseURL is optional; leave it empty for the
// OpenAI endpoint.
func New(apiKey, baseURL string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{client: openai.NewClientWithConfig(config)}
}

// List returns the ids of available models.
func (c *Client) List(ctx context.Context) ([]string, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	names := make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		names = append(names, model.ID)
	}
	return names, nil
}

// Stream sends the request and returns the event stream.
func (c *Client) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	slog.Debug("OpenAI stream request", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	wire := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toWireMessages(req),
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		wire.MaxCompletionTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		wire.Temperature = *req.Temperature
	}
	switch req.ThinkingLevel {
	case "low", "medium", "high":
		wire.ReasoningEffort = req.ThinkingLevel
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	sdkStream, err := c.client.CreateChatCompletionStream(ctx, wire)
	if err != nil {
		return nil, mapError(err)
	}
	return &openaiStream{
		stream: sdkStream,
		queue:  []models.Event{{Type: models.EventTurnStart, Model: req.Model}},
	}, nil
}

// toWireMessages flattens the conversation for the wire: the system
// prompt leads, each tool result becomes its own tool-role message, and
// thinking blocks are not sent back.
func toWireMessages(req models.Request) []openai.ChatCompletionMessage {
	wire := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		wire = append(wire, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		var text strings.Builder
		var parts []openai.ChatMessagePart
		var calls []openai.ToolCall

		for _, block := range msg.Content {
			switch {
			case block.Text != nil:
				text.WriteString(block.Text.Content)
			case block.ToolUse != nil:
				args, err := json.Marshal(block.ToolUse.Input)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, openai.ToolCall{
					ID:       block.ToolUse.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: block.ToolUse.Name, Arguments: string(args)},
				})
			case block.ToolResult != nil:
				wire = append(wire, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.ToolResult.Content,
					ToolCallID: block.ToolResult.ToolUseID,
				})
			case block.Image != nil && block.Image.Source != nil && block.Image.Source.Type == "base64":
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", block.Image.Source.MediaType, block.Image.Source.Data),
					},
				})
			}
		}

		role := openai.ChatMessageRoleUser
		if msg.Role == store.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		switch {
		case len(parts) > 0:
			if text.Len() > 0 {
				parts = append([]openai.ChatMessagePart{{
					Type: openai.ChatMessagePartTypeText,
					Text: text.String(),
				}}, parts...)
			}
			wire = append(wire, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
		case text.Len() > 0 || len(calls) > 0:
			wire = append(wire, openai.ChatCompletionMessage{
				Role:      role,
				Content:   text.String(),
				ToolCalls: calls,
			})
		}
	}
	return wire
}

// pendingCall accumulates one streamed tool call by choice index.
type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	queue  []models.Event
	calls  []*pendingCall
	usage  store.Usage
	stop   models.StopReason
	done   bool
}

func (s *openaiStream) Recv() (models.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return models.Event{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.flushCalls()
			s.queue = append(s.queue, models.Event{
				Type:       models.EventTurnEnd,
				StopReason: s.stopReason(),
				Usage:      &s.usage,
			})
			break
		}
		if err != nil {
			return models.Event{}, mapError(err)
		}
		s.translate(resp)
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

func (s *openaiStream) translate(resp openai.ChatCompletionStreamResponse) {
	if resp.Usage != nil {
		s.usage = store.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			s.usage.CacheTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}
	if len(resp.Choices) == 0 {
		return
	}
	choice := resp.Choices[0]

	if choice.Delta.ReasoningContent != "" {
		s.queue = append(s.queue, models.Event{Type: models.EventThinkingDelta, Delta: choice.Delta.ReasoningContent})
	}
	if choice.Delta.Content != "" {
		s.queue = append(s.queue, models.Event{Type: models.EventTextDelta, Delta: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		for len(s.calls) <= idx {
			s.calls = append(s.calls, &pendingCall{})
		}
		call := s.calls[idx]
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name += tc.Function.Name
		}
		if !call.started && call.id != "" && call.name != "" {
			call.started = true
			s.queue = append(s.queue, models.Event{
				Type: models.EventToolCallStart,
				Call: &store.ToolUseContent{ID: call.id, Name: call.name},
			})
		}
		if tc.Function.Arguments != "" {
			call.args.WriteString(tc.Function.Arguments)
			s.queue = append(s.queue, models.Event{Type: models.EventToolCallDelta, Delta: tc.Function.Arguments})
		}
	}

	switch choice.FinishReason {
	case openai.FinishReasonStop:
		s.stop = models.StopReasonStop
	case openai.FinishReasonLength:
		s.stop = models.StopReasonLength
	case openai.FinishReasonToolCalls:
		s.stop = models.StopReasonToolUse
	}
}

// flushCalls emits tool_call_end events once the stream is complete and
// every call's arguments are whole.
func (s *openaiStream) flushCalls() {
	for _, call := range s.calls {
		if call.id == "" && call.name == "" {
			continue
		}
		input := map[string]any{}
		if raw := call.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				slog.Warn("Tool call arguments are not valid JSON", "tool", call.name, "error", err)
				input = map[string]any{"raw": raw}
			}
		}
		s.queue = append(s.queue, models.Event{
			Type: models.EventToolCallEnd,
			Call: &store.ToolUseContent{ID: call.id, Name: call.name, Input: input},
		})
	}
}

func (s *openaiStream) stopReason() models.StopReason {
	if len(s.calls) > 0 {
		return models.StopReasonToolUse
	}
	if s.stop != "" {
		return s.stop
	}
	return models.StopReasonStop
}

// mapError converts SDK errors into ProviderError, leaving cancellation
// untouched.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return models.NewProviderError(apiErr.HTTPStatusCode, apiErr.Type, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return models.NewProviderError(reqErr.HTTPStatusCode, "", reqErr.Error())
	}
	return err
}
