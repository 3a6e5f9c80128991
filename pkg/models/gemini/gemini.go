// Package gemini adapts the Google Gemini API to the models.Provider
// interface using the official generative-ai-go SDK.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

// Client implements models.Provider against the Gemini API.
type Client struct {
	client *genai.Client
}

var _ models.Provider = (*Client)(nil)

// New creates a Gemini client. The HTTP transport traces full request and
// response dumps when the TRACE log level is enabled.
func New(ctx context.Context, apiKey string) (*Client, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Client{client: client}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// List returns the names of available models.
func (c *Client) List(ctx context.Context) ([]string, error) {
	iter := c.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapError(err)
		}
		names = append(names, model.Name)
	}
	return names, nil
}

// Stream sends the request and returns the event stream.
func (c *Client) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	slog.Debug("Gemini stream request", "model", req.Model, "messages", len(req.Messages), "tools", len(req.Tools))

	gm := c.client.GenerativeModel(req.Model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.MaxOutputTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxOutputTokens))
	}
	if req.Temperature != nil {
		gm.SetTemperature(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	// FunctionResponse parts must carry the function name, but tool
	// results only reference the call id. Recover names from the calls
	// earlier in the conversation.
	callNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			if block.ToolUse != nil {
				callNames[block.ToolUse.ID] = block.ToolUse.Name
			}
		}
	}

	history := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if content := toGenaiContent(msg, callNames); content != nil {
			history = append(history, content)
		}
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("gemini: request has no sendable content")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{
		iter:  iter,
		queue: []models.Event{{Type: models.EventTurnStart, Model: req.Model}},
	}, nil
}

// toGenaiContent converts one message. Returns nil when nothing in the
// message can be sent (e.g. thinking-only content).
func toGenaiContent(msg models.Message, callNames map[string]string) *genai.Content {
	var parts []genai.Part
	for _, block := range msg.Content {
		switch {
		case block.Text != nil:
			parts = append(parts, genai.Text(block.Text.Content))
		case block.ToolUse != nil:
			parts = append(parts, genai.FunctionCall{
				Name: block.ToolUse.Name,
				Args: block.ToolUse.Input,
			})
		case block.ToolResult != nil:
			result := map[string]any{"result": block.ToolResult.Content}
			if block.ToolResult.IsError {
				result = map[string]any{"error": block.ToolResult.Content}
			}
			parts = append(parts, genai.FunctionResponse{
				Name:     callNames[block.ToolResult.ToolUseID],
				Response: result,
			})
		case block.Image != nil && block.Image.Source != nil && block.Image.Source.Type == "base64":
			data, err := base64.StdEncoding.DecodeString(block.Image.Source.Data)
			if err != nil {
				slog.Warn("Skipping undecodable image block", "error", err)
				continue
			}
			parts = append(parts, genai.Blob{MIMEType: block.Image.Source.MediaType, Data: data})
		}
	}
	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if msg.Role == store.RoleAssistant {
		role = "model"
	}
	return &genai.Content{Role: role, Parts: parts}
}

func toGenaiSchema(s *models.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGenaiSchema(s.Items),
	}
	switch s.Type {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	case "object":
		out.Type = genai.TypeObject
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	return out
}

type geminiStream struct {
	iter  *genai.GenerateContentResponseIterator
	queue []models.Event
	usage store.Usage
	stop  models.StopReason
	calls bool
	done  bool
}

func (s *geminiStream) Recv() (models.Event, error) {
	for len(s.queue) == 0 {
		if s.done {
			return models.Event{}, io.EOF
		}
		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.done = true
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

func (s *geminiStream) Close() error {
	return nil
}

// translate appends the events carried by one stream chunk.
func (s *geminiStream) translate(resp *genai.GenerateContentResponse) {
	if resp.UsageMetadata != nil {
		s.usage = store.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			CacheTokens:  int(resp.UsageMetadata.CachedContentTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return
	}
	cand := resp.Candidates[0]

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				s.queue = append(s.queue, models.Event{Type: models.EventTextDelta, Delta: string(p)})
			case genai.FunctionCall:
				// The API does not assign call ids; mint one so results
				// can reference the call.
				call := &store.ToolUseContent{
					ID:    "call-" + uuid.New().String(),
					Name:  p.Name,
					Input: p.Args,
				}
				s.calls = true
				s.queue = append(s.queue,
					models.Event{Type: models.EventToolCallStart, Call: &store.ToolUseContent{ID: call.ID, Name: call.Name}},
					models.Event{Type: models.EventToolCallEnd, Call: call},
				)
			}
		}
	}

	switch cand.FinishReason {
	case genai.FinishReasonStop:
		s.stop = models.StopReasonStop
	case genai.FinishReasonMaxTokens:
		s.stop = models.StopReasonLength
	}
}

func (s *geminiStream) stopReason() models.StopReason {
	if s.calls {
		return models.StopReasonToolUse
	}
	if s.stop != "" {
		return s.stop
	}
	return models.StopReasonStop
}

// mapError converts SDK errors into ProviderError, leaving cancellation
// untouched so the loop can tell an abort from a failure.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return models.NewProviderError(gerr.Code, "", gerr.Message)
	}
	return err
}
