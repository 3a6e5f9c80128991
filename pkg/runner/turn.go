package runner

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
)

// callModel invokes the provider with retries. Retryable failures back
// off exponentially; fatal ones surface immediately.
func (r *Runner) callModel(ctx context.Context, req models.Request) (*models.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.streamTurn(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !models.Retryable(err) {
			return nil, err
		}
		lastErr = err
		r.log.Warn("Model call failed, will retry",
			"session", r.sess.ID(),
			"model", req.Model,
			"attempt", attempt,
			"error", err,
		)
		if attempt < r.maxAttempts {
			if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("model call failed after %d attempts: %w", r.maxAttempts, lastErr)
}

// streamTurn drains one model stream, forwarding deltas to the sink and
// accumulating the completed response.
func (r *Runner) streamTurn(ctx context.Context, req models.Request) (*models.Response, error) {
	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	resp := &models.Response{}
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
		case models.EventTurnStart:
			resp.Model = event.Model
			r.emit(Event{Type: EventTurnStart, Model: event.Model})
		case models.EventTextDelta:
			text.WriteString(event.Delta)
			r.emit(Event{Type: EventModelDelta, Delta: event.Delta})
		case models.EventThinkingDelta:
			thinking.WriteString(event.Delta)
			r.emit(Event{Type: EventModelDelta, Delta: event.Delta, Thinking: true})
		case models.EventToolCallEnd:
			if event.Call != nil {
				calls = append(calls, store.Content{Type: store.ContentTypeToolUse, ToolUse: event.Call})
			}
		case models.EventTurnEnd:
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
			resp.StopReason = models.StopReasonToolUse
		} else {
			resp.StopReason = models.StopReasonStop
		}
	}
	return resp, nil
}

// backoff returns the delay before the next attempt: exponential from the
// base with half jitter, capped at the maximum.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.baseRetryDelay << (attempt - 1)
	if d <= 0 || d > r.maxRetryDelay {
		d = r.maxRetryDelay
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
