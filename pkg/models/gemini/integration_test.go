package gemini_test

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/models/gemini"
	"github.com/weft-dev/weft/pkg/store"
)

func TestGemini_Integration(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_API_KEY not set")
	}

	ctx := context.Background()
	client, err := gemini.New(ctx, apiKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	names, err := client.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	t.Logf("models available: %d", len(names))

	stream, err := client.Stream(ctx, models.Request{
		Model: "gemini-2.5-flash",
		Messages: []models.Message{
			{Role: store.RoleUser, Content: []store.Content{store.Text("Reply with the single word: pong")}},
		},
		MaxOutputTokens: 64,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	sawText := false
	for {
		event, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if event.Type == models.EventTextDelta {
			sawText = true
		}
		if event.Type == models.EventTurnEnd {
			if event.Usage == nil || event.Usage.InputTokens == 0 {
				t.Errorf("turn end missing usage: %+v", event)
			}
		}
	}
	if !sawText {
		t.Error("no text deltas received")
	}
}
