// Package server exposes sessions over HTTP: REST endpoints create and
// inspect sessions, posted messages drive agent runs, and a websocket
// replays a branch then streams live loop events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tokens"
	"github.com/weft-dev/weft/pkg/tools"
)

const shutdownTimeout = 5 * time.Second

// Config wires a Server. Store and Provider are required; zero values
// elsewhere pick the runner and compactor defaults.
type Config struct {
	Store    store.Store
	Provider models.Provider
	Tools    *tools.Registry

	// Model is the default model for runs and summarization.
	Model string

	// Budget bounds each run's context estimate. A zero Budget is
	// derived from Model.
	Budget tokens.Budget

	MaxParallelTools int
	MaxAttempts      int
	MaxIterations    int
	MaxOutputTokens  int

	CompactThreshold float64
	CompactKeepTurns int

	Logger *slog.Logger
}

// Server serves the session API. One run may execute per session at a
// time; messages posted while a run is active steer it instead of
// starting another.
type Server struct {
	store    store.Store
	provider models.Provider
	tools    *tools.Registry
	model    string
	cfg      Config
	log      *slog.Logger

	runs *runSet
	hubs *hubSet
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Server{
		store:    cfg.Store,
		provider: cfg.Provider,
		tools:    registry,
		model:    cfg.Model,
		cfg:      cfg,
		log:      log,
		runs:     newRunSet(),
		hubs:     newHubSet(),
	}
}

// Serve listens on addr until ctx is canceled, then stops active runs
// and shuts the listener down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.corsMiddleware(s.routes()),
	}

	g, gctx := errgroup.WithContext(ctx)
	s.runs.bind(gctx)

	g.Go(func() error {
		s.log.Info("Server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stopAllRuns()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/tree", s.handleTree)

	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)

	mux.HandleFunc("GET /api/sessions/{id}/branches", s.handleListBranches)
	mux.HandleFunc("POST /api/sessions/{id}/branches", s.handleForkBranch)

	mux.HandleFunc("GET /api/profiles", s.handleListProfiles)
	mux.HandleFunc("POST /api/profiles", s.handleSaveProfile)
	mux.HandleFunc("DELETE /api/profiles/{id}", s.handleDeleteProfile)

	mux.HandleFunc("GET /api/models", s.handleListModels)

	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)

	return mux
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.log.Error("API error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
