package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tokens"
)

// update is one unit pushed to a session's websocket subscribers: a live
// loop event, or a bare append notification (nil Event) telling the
// reader to resync entries from the store.
type update struct {
	Event *runner.Event
}

// hub fans updates out to the websocket connections watching one session.
type hub struct {
	mu   sync.Mutex
	subs map[chan update]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan update]struct{})}
}

func (h *hub) subscribe() chan update {
	ch := make(chan update, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan update) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// publish never blocks; a slow subscriber misses updates and catches up
// on its next resync.
func (h *hub) publish(u update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// hubSet lazily creates one hub per session. Hubs are tiny and live for
// the server's lifetime, so nothing removes them.
type hubSet struct {
	mu   sync.Mutex
	hubs map[string]*hub
}

func newHubSet() *hubSet {
	return &hubSet{hubs: make(map[string]*hub)}
}

func (s *hubSet) get(sessionID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[sessionID]
	if !ok {
		h = newHub()
		s.hubs[sessionID] = h
	}
	return h
}

// activeRun is a loop executing against one session.
type activeRun struct {
	runner *runner.Runner
	branch string
	cancel context.CancelFunc
	done   chan struct{}
}

// runSet tracks the active run per session id.
type runSet struct {
	mu      sync.Mutex
	runs    map[string]*activeRun
	baseCtx context.Context
}

func newRunSet() *runSet {
	return &runSet{runs: make(map[string]*activeRun), baseCtx: context.Background()}
}

// bind sets the context new runs derive from, so server shutdown cancels
// them.
func (s *runSet) bind(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *runSet) get(sessionID string) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[sessionID]
	return run, ok
}

func (s *runSet) remove(sessionID string) {
	s.mu.Lock()
	delete(s.runs, sessionID)
	s.mu.Unlock()
}

func (s *runSet) snapshot() []*activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	return runs
}

// running reports whether a run is active for the session.
func (s *Server) running(sessionID string) bool {
	_, ok := s.runs.get(sessionID)
	return ok
}

// post delivers a user message to the session: when a run is active the
// message steers it, otherwise a new run starts on the branch. Returns
// "steered" or "started".
func (s *Server) post(sessionID, branch, content string) (string, error) {
	s.runs.mu.Lock()
	defer s.runs.mu.Unlock()

	if run, ok := s.runs.runs[sessionID]; ok {
		run.runner.Steer([]store.Content{store.Text(content)})
		return "steered", nil
	}

	sess, err := s.store.LoadSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}

	h := s.hubs.get(sessionID)
	r := s.newRunner(sess, h)
	ctx, cancel := context.WithCancel(s.runs.baseCtx)
	run := &activeRun{runner: r, branch: branch, cancel: cancel, done: make(chan struct{})}
	s.runs.runs[sessionID] = run

	go func() {
		defer func() {
			cancel()
			sess.Close()
			s.runs.remove(sessionID)
			// Final resync so watchers see the finished branch.
			h.publish(update{})
			close(run.done)
		}()

		inputs := []models.Message{{
			Role:    store.RoleUser,
			Content: []store.Content{store.Text(content)},
		}}
		res, err := r.Run(ctx, branch, inputs)
		if err != nil {
			s.log.Error("Run failed", "session", sessionID, "error", err)
			return
		}
		s.log.Info("Run finished",
			"session", sessionID,
			"stop", string(res.StopReason),
			"entry", res.FinalEntryID,
		)
	}()
	return "started", nil
}

// newRunner builds the loop for one run. The estimator is shared with
// the compactor so observed usage feeds both.
func (s *Server) newRunner(sess store.Session, h *hub) *runner.Runner {
	estimator := tokens.NewCharEstimator()
	budget := s.cfg.Budget
	if budget.ContextWindow == 0 {
		budget = tokens.BudgetForModel(s.model, s.cfg.MaxOutputTokens)
	}
	compactor := compact.New(compact.Config{
		Provider:  s.provider,
		Model:     s.model,
		Budget:    budget,
		Estimator: estimator,
		Threshold: s.cfg.CompactThreshold,
		KeepTurns: s.cfg.CompactKeepTurns,
		Logger:    s.log,
	})
	return runner.New(runner.Config{
		Session:          sess,
		Provider:         s.provider,
		Model:            s.model,
		Tools:            s.tools,
		Compactor:        compactor,
		Estimator:        estimator,
		Sink:             func(e runner.Event) { h.publish(update{Event: &e}) },
		Logger:           s.log,
		MaxParallelTools: s.cfg.MaxParallelTools,
		MaxAttempts:      s.cfg.MaxAttempts,
		MaxIterations:    s.cfg.MaxIterations,
		MaxOutputTokens:  s.cfg.MaxOutputTokens,
	})
}

// stopRun cancels the session's run and waits for it to wind down.
// Returns false when no run was active.
func (s *Server) stopRun(sessionID string) bool {
	run, ok := s.runs.get(sessionID)
	if !ok {
		return false
	}
	run.cancel()
	select {
	case <-run.done:
	case <-time.After(shutdownTimeout):
		s.log.Warn("Run did not stop in time", "session", sessionID)
	}
	return true
}

func (s *Server) stopAllRuns() {
	deadline := time.After(shutdownTimeout)
	for _, run := range s.runs.snapshot() {
		run.cancel()
	}
	for _, run := range s.runs.snapshot() {
		select {
		case <-run.done:
		case <-deadline:
			s.log.Warn("Abandoning runs still stopping at shutdown")
			return
		}
	}
}
