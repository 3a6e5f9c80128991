// Package runner drives the agent loop for one session branch: it
// materializes context, invokes the model, dispatches the tool calls the
// model requests, and persists every step back to the session tree.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tokens"
	"github.com/weft-dev/weft/pkg/tools"
)

const (
	// DefaultMaxParallelTools caps concurrent tool calls within a turn.
	DefaultMaxParallelTools = 4

	// DefaultMaxAttempts bounds retries per model call and per tool call.
	DefaultMaxAttempts = 3

	// DefaultMaxIterations is the hard ceiling on turns per Run.
	DefaultMaxIterations = 50

	defaultBaseRetryDelay = 500 * time.Millisecond
	defaultMaxRetryDelay  = 10 * time.Second
)

// Config wires a Runner. Session, Provider, and Model are required; zero
// values elsewhere pick defaults.
type Config struct {
	Session  store.Session
	Provider models.Provider

	// Model is the default model id. A model-change entry on the branch
	// overrides it from that point on.
	Model string

	// Tools is the full catalog; the session profile may restrict it.
	Tools *tools.Registry

	// Compactor, when set, runs after any turn that pushes the context
	// past its threshold.
	Compactor *compact.Compactor

	// Estimator receives observed token usage so context estimates track
	// the provider's real tokenizer.
	Estimator *tokens.CharEstimator

	Sink   Sink
	Logger *slog.Logger

	MaxParallelTools int
	MaxAttempts      int
	MaxIterations    int
	MaxOutputTokens  int
}

// Runner owns the write side of one session branch while Run executes.
// Steer and FollowUp are safe to call from other goroutines; everything
// else is single-threaded.
type Runner struct {
	sess      store.Session
	provider  models.Provider
	model     string
	registry  *tools.Registry
	catalog   []models.ToolDef
	compactor *compact.Compactor
	estimator *tokens.CharEstimator
	sink      Sink
	log       *slog.Logger

	maxParallel     int64
	maxAttempts     int
	maxIterations   int
	maxOutputTokens int
	baseRetryDelay  time.Duration
	maxRetryDelay   time.Duration

	steering  messageQueue
	followUps messageQueue

	mu    sync.Mutex
	state State
}

// Result is the terminal outcome of a Run.
type Result struct {
	// FinalEntryID is the branch leaf when the loop stopped.
	FinalEntryID string
	StopReason   models.StopReason
}

// New builds a Runner from cfg, filling in defaults. The session
// profile's tool list restricts the catalog offered to the model.
func New(cfg Config) *Runner {
	r := &Runner{
		sess:            cfg.Session,
		provider:        cfg.Provider,
		model:           cfg.Model,
		compactor:       cfg.Compactor,
		estimator:       cfg.Estimator,
		sink:            cfg.Sink,
		log:             cfg.Logger,
		maxParallel:     int64(cfg.MaxParallelTools),
		maxAttempts:     cfg.MaxAttempts,
		maxIterations:   cfg.MaxIterations,
		maxOutputTokens: cfg.MaxOutputTokens,
		baseRetryDelay:  defaultBaseRetryDelay,
		maxRetryDelay:   defaultMaxRetryDelay,
		state:           StateIdle,
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	r.registry = registry.Restrict(cfg.Session.Header().Profile.Tools)
	r.catalog = r.registry.Catalog()
	if r.estimator == nil {
		r.estimator = tokens.NewCharEstimator()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.maxParallel <= 0 {
		r.maxParallel = DefaultMaxParallelTools
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxIterations
	}
	return r
}

// Steer queues a message that pre-empts the current tool batch: calls not
// yet dispatched when it arrives are answered with canceled results, and
// the message reaches the model ahead of the next invocation.
func (r *Runner) Steer(content []store.Content) {
	r.steering.push(content)
}

// FollowUp queues a message delivered when the current run would
// otherwise terminate, starting another turn instead.
func (r *Runner) FollowUp(content []store.Content) {
	r.followUps.push(content)
}

// State reports the loop's current phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log.Debug("Loop state", "session", r.sess.ID(), "state", string(s))
}

func (r *Runner) emit(e Event) {
	if r.sink == nil {
		return
	}
	e.SessionID = r.sess.ID()
	e.Branch = r.sess.Active()
	r.sink(e)
}

// Run appends the input messages and drives the loop until the model
// settles, the caller cancels, or an unrecoverable error surfaces.
// Cancellation is not an error: the result carries stop reason aborted,
// and results that completed before the cancel are already persisted.
func (r *Runner) Run(ctx context.Context, branch string, inputs []models.Message) (Result, error) {
	if branch != "" && branch != r.sess.Active() {
		if err := r.sess.Switch(branch); err != nil {
			return Result{}, err
		}
	}

	if err := r.reconcile(); err != nil {
		return Result{}, err
	}

	for _, in := range inputs {
		role := in.Role
		if role == "" {
			role = store.RoleUser
		}
		if _, err := r.sess.AppendMessage(role, in.Content); err != nil {
			return Result{}, fmt.Errorf("appending input message: %w", err)
		}
	}

	if len(inputs) == 0 && r.settled() {
		r.log.Debug("Branch already settled, nothing to run", "session", r.sess.ID())
		r.setState(StateTerminated)
		return r.finish(models.StopReasonStop)
	}

	for iteration := 1; ; iteration++ {
		if iteration > r.maxIterations {
			r.setState(StateTerminated)
			return Result{}, fmt.Errorf("iteration ceiling reached after %d turns", r.maxIterations)
		}
		if ctx.Err() != nil {
			return r.abort()
		}

		// Steering messages reach the model ahead of anything else.
		for _, content := range r.steering.drain() {
			if _, err := r.sess.AppendMessage(store.RoleUser, content); err != nil {
				return Result{}, err
			}
		}

		r.setState(StateAwaitingModel)
		entries, err := r.sess.Materialize("")
		if err != nil {
			return Result{}, err
		}

		resp, err := r.callModel(ctx, r.buildRequest(entries))
		if err != nil {
			if ctx.Err() != nil {
				return r.abort()
			}
			r.setState(StateTerminated)
			return Result{}, err
		}
		r.estimator.RecordUsage(entries, resp.Usage.InputTokens+resp.Usage.CacheTokens)

		assistantID, err := r.sess.AppendAssistant(&store.MessageEntry{
			Role:    store.RoleAssistant,
			Content: resp.Content,
			Model:   resp.Model,
			Usage:   &resp.Usage,
		})
		if err != nil {
			return Result{}, fmt.Errorf("appending assistant message: %w", err)
		}

		if resp.StopReason == models.StopReasonToolUse {
			r.setState(StateDispatchingTools)
			aborted, err := r.dispatchTools(ctx, resp.Content)
			if err != nil {
				return Result{}, err
			}
			r.turnEnd(assistantID, resp)
			if aborted {
				return r.abort()
			}
			if err := r.maybeCompact(ctx); err != nil {
				if ctx.Err() != nil {
					return r.abort()
				}
				return Result{}, err
			}
			continue
		}

		r.turnEnd(assistantID, resp)

		// Terminal stop reason: anything queued starts another turn.
		// Steering that arrived while this turn was streaming is not
		// dropped; it continues the run like a follow-up.
		queued := r.steering.drain()
		queued = append(queued, r.followUps.drain()...)
		if len(queued) == 0 {
			r.setState(StateTerminated)
			return Result{FinalEntryID: assistantID, StopReason: resp.StopReason}, nil
		}
		for _, content := range queued {
			if _, err := r.sess.AppendMessage(store.RoleUser, content); err != nil {
				return Result{}, err
			}
		}
		if err := r.maybeCompact(ctx); err != nil {
			if ctx.Err() != nil {
				return r.abort()
			}
			return Result{}, err
		}
	}
}

func (r *Runner) abort() (Result, error) {
	r.setState(StateAborted)
	return r.finish(models.StopReasonAborted)
}

func (r *Runner) finish(reason models.StopReason) (Result, error) {
	leaf, _ := r.sess.Leaf("")
	return Result{FinalEntryID: leaf, StopReason: reason}, nil
}

func (r *Runner) turnEnd(entryID string, resp *models.Response) {
	usage := resp.Usage
	r.emit(Event{Type: EventTurnEnd, EntryID: entryID, StopReason: resp.StopReason, Usage: &usage})
}

// maybeCompact runs the compactor when the context outgrew its budget, so
// the next model call fits the window.
func (r *Runner) maybeCompact(ctx context.Context) error {
	if r.compactor == nil || !r.compactor.ShouldCompact(r.sess, "") {
		return nil
	}
	r.setState(StateAwaitingCompaction)
	id, err := r.compactor.Compact(ctx, r.sess, "")
	if err != nil {
		return err
	}
	if id != "" {
		r.emit(Event{Type: EventCompaction, EntryID: id})
	}
	return nil
}

// buildRequest assembles the provider request from the materialized
// branch. Model-change and thinking-level entries on the path override
// the configured defaults from their position onward.
func (r *Runner) buildRequest(entries []store.Entry) models.Request {
	model := r.model
	thinking := ""
	for _, e := range entries {
		switch {
		case e.ModelChange != nil && e.ModelChange.ModelID != "":
			model = e.ModelChange.ModelID
		case e.ThinkingLevel != nil:
			thinking = e.ThinkingLevel.Level
		}
	}
	return models.Request{
		Model:           model,
		System:          r.sess.Header().Profile.Instructions,
		Messages:        models.FromEntries(entries),
		Tools:           r.catalog,
		MaxOutputTokens: r.maxOutputTokens,
		ThinkingLevel:   thinking,
	}
}

// settled reports whether the branch needs no model call: it is empty, or
// its last message is an assistant turn with nothing outstanding.
func (r *Runner) settled() bool {
	entries, err := r.sess.Materialize("")
	if err != nil {
		return true
	}
	for i := len(entries) - 1; i >= 0; i-- {
		m := entries[i].Message
		if m == nil {
			continue
		}
		if m.Role != store.RoleAssistant {
			return false
		}
		for _, block := range m.Content {
			if block.Type == store.ContentTypeToolUse {
				return false
			}
		}
		return true
	}
	return true
}

// reconcile answers tool calls left dangling by an interrupted run, so
// the next model invocation sees a complete batch.
func (r *Runner) reconcile() error {
	entries, err := r.sess.Materialize("")
	if err != nil {
		return err
	}
	for _, call := range danglingCalls(entries) {
		content := []store.Content{{
			Type: store.ContentTypeToolResult,
			ToolResult: &store.ToolResultContent{
				ToolUseID: call.ID,
				IsError:   true,
				Content:   "(canceled: the run was interrupted before this call completed)",
			},
		}}
		if _, err := r.sess.AppendMessage(store.RoleTool, content); err != nil {
			return err
		}
		r.log.Info("Reconciled dangling tool call",
			"session", r.sess.ID(),
			"call", call.ID,
			"tool", call.Name,
		)
	}
	return nil
}

// danglingCalls returns the calls of the path's final assistant batch
// that have no persisted result.
func danglingCalls(entries []store.Entry) []store.ToolUseContent {
	var batch []store.ToolUseContent
	answered := make(map[string]bool)
	for _, e := range entries {
		if e.Type != store.TypeMessage || e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case store.RoleAssistant:
			batch = batch[:0]
			answered = make(map[string]bool)
			for _, block := range e.Message.Content {
				if block.Type == store.ContentTypeToolUse && block.ToolUse != nil {
					batch = append(batch, *block.ToolUse)
				}
			}
		case store.RoleTool:
			for _, block := range e.Message.Content {
				if block.Type == store.ContentTypeToolResult && block.ToolResult != nil {
					answered[block.ToolResult.ToolUseID] = true
				}
			}
		}
	}
	var pending []store.ToolUseContent
	for _, call := range batch {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}
