package runner

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tools"
)

// outcome is one finished tool call waiting to be persisted.
type outcome struct {
	call    store.ToolUseContent
	content string
	isError bool
}

// dispatchTools runs the turn's tool calls with bounded parallelism and
// persists each result as it arrives. A steering message or cancellation
// stops further dispatch; calls already in flight run to completion and
// their results are persisted regardless. Steered-out calls are answered
// with canceled results so the batch stays complete. Returns true when
// the run should abort.
func (r *Runner) dispatchTools(ctx context.Context, content []store.Content) (bool, error) {
	var calls []store.ToolUseContent
	for _, block := range content {
		if block.Type == store.ContentTypeToolUse && block.ToolUse != nil {
			calls = append(calls, *block.ToolUse)
		}
	}
	if len(calls) == 0 {
		return false, nil
	}

	sem := semaphore.NewWeighted(r.maxParallel)
	outcomes := make(chan outcome, len(calls))
	launched := 0
	canceled := false

	for _, call := range calls {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		if r.steering.pending() {
			if err := r.preempt(call); err != nil {
				return false, err
			}
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			canceled = true
			break
		}
		// Steering may have arrived while waiting for the slot.
		if r.steering.pending() {
			sem.Release(1)
			if err := r.preempt(call); err != nil {
				return false, err
			}
			continue
		}
		launched++
		r.emit(Event{Type: EventToolStart, Call: &call})
		go func(call store.ToolUseContent) {
			defer sem.Release(1)
			content, isError := r.executeCall(ctx, call)
			outcomes <- outcome{call: call, content: content, isError: isError}
		}(call)
	}

	// Every launched call reports back; completed work is persisted even
	// when the run is aborting.
	for i := 0; i < launched; i++ {
		if _, err := r.appendResult(<-outcomes); err != nil {
			return false, err
		}
	}
	return canceled || ctx.Err() != nil, nil
}

// preempt answers an undispatched call with a canceled result so the
// batch stays complete after steering cut it short.
func (r *Runner) preempt(call store.ToolUseContent) error {
	_, err := r.appendResult(outcome{
		call:    call,
		content: "(canceled: a steering message pre-empted this call)",
		isError: true,
	})
	return err
}

func (r *Runner) appendResult(o outcome) (string, error) {
	content := []store.Content{{
		Type: store.ContentTypeToolResult,
		ToolResult: &store.ToolResultContent{
			ToolUseID: o.call.ID,
			IsError:   o.isError,
			Content:   o.content,
		},
	}}
	id, err := r.sess.AppendMessage(store.RoleTool, content)
	if err != nil {
		return "", fmt.Errorf("appending result for call %s: %w", o.call.ID, err)
	}
	r.emit(Event{Type: EventToolEnd, Call: &o.call, IsError: o.isError, EntryID: id})
	return id, nil
}

// executeCall runs one tool call through the retry policy. Failures never
// propagate as errors: the outcome text carries them back to the model.
func (r *Runner) executeCall(ctx context.Context, call store.ToolUseContent) (string, bool) {
	tool, ok := r.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("tool %q is not in the catalog", call.Name), true
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		out, err := tool.Execute(ctx, call.Input)
		if err == nil {
			return out, false
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "(canceled: the run was interrupted)", true
		}
		if tools.IsFatal(err) {
			return err.Error(), true
		}
		lastErr = err
		r.log.Warn("Tool call failed, will retry",
			"session", r.sess.ID(),
			"tool", call.Name,
			"call", call.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < r.maxAttempts {
			if err := r.sleep(ctx, r.backoff(attempt)); err != nil {
				return "(canceled: the run was interrupted)", true
			}
		}
	}
	return fmt.Sprintf("failed after %d attempts: %v", r.maxAttempts, lastErr), true
}
