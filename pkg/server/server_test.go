package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/store/jsonl"
)

// queueStream pops scripted events, then io.EOF.
type queueStream struct {
	events []models.Event
}

func (s *queueStream) Recv() (models.Event, error) {
	if len(s.events) == 0 {
		return models.Event{}, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func (s *queueStream) Close() error { return nil }

// echoProvider answers every request with one fixed text turn.
type echoProvider struct {
	mu    sync.Mutex
	reply string
	reqs  []models.Request
}

func (p *echoProvider) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return &queueStream{events: []models.Event{
		{Type: models.EventTurnStart, Model: req.Model},
		{Type: models.EventTextDelta, Delta: p.reply},
		{Type: models.EventTurnEnd, StopReason: models.StopReasonStop, Usage: &store.Usage{InputTokens: 40, OutputTokens: 5}},
	}}, nil
}

func (p *echoProvider) requests() []models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Request(nil), p.reqs...)
}

// gatedProvider blocks its first model call until released, so a test can
// observe the session mid-run.
type gatedProvider struct {
	inner   models.Provider
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func newGatedProvider(inner models.Provider) *gatedProvider {
	return &gatedProvider{
		inner:   inner,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *gatedProvider) Stream(ctx context.Context, req models.Request) (models.Stream, error) {
	if p.calls.Add(1) == 1 {
		p.once.Do(func() { close(p.started) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.release:
		}
	}
	return p.inner.Stream(ctx, req)
}

// listingProvider adds model enumeration on top of echoProvider.
type listingProvider struct {
	echoProvider
	names []string
}

func (p *listingProvider) List(ctx context.Context) ([]string, error) {
	return p.names, nil
}

type testServer struct {
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, provider models.Provider) *testServer {
	t.Helper()
	s := New(Config{
		Store:    jsonl.NewStore(t.TempDir()),
		Provider: provider,
		Model:    "test-model",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(s.stopAllRuns)
	return &testServer{server: s, http: ts}
}

func (ts *testServer) url(path string) string { return ts.http.URL + path }

// post sends a JSON request and decodes the response on success statuses.
func (ts *testServer) post(t *testing.T, path string, body, into any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode %s body: %v", path, err)
		}
	}
	resp, err := http.Post(ts.url(path), "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read POST %s response: %v", path, err)
	}
	if into != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, into); err != nil {
			t.Fatalf("decode POST %s response %q: %v", path, data, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) get(t *testing.T, path string, into any) int {
	t.Helper()
	resp, err := http.Get(ts.url(path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read GET %s response: %v", path, err)
	}
	if into != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, into); err != nil {
			t.Fatalf("decode GET %s response %q: %v", path, data, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	if code := ts.post(t, "/api/sessions", nil, &created); code != http.StatusCreated {
		t.Fatalf("create session status = %d", code)
	}
	if created.ID == "" {
		t.Fatal("create session returned no id")
	}
	return created.ID
}

type sessionView struct {
	Active   string         `json:"active"`
	Branches []store.Branch `json:"branches"`
	Entries  []store.Entry  `json:"entries"`
	Running  bool           `json:"running"`
}

// waitIdle polls the session until its run finishes, then returns a fresh
// view. The extra read matters: entries are materialized before the running
// flag, so the view that first reports idle can predate the final appends.
func (ts *testServer) waitIdle(t *testing.T, id string) sessionView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var view sessionView
		if code := ts.get(t, "/api/sessions/"+id, &view); code != http.StatusOK {
			t.Fatalf("GET session status = %d", code)
		}
		if !view.Running {
			if code := ts.get(t, "/api/sessions/"+id, &view); code != http.StatusOK {
				t.Fatalf("GET session status = %d", code)
			}
			return view
		}
		if time.Now().After(deadline) {
			t.Fatal("session still running after 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func textOf(e store.Entry) string {
	if e.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range e.Message.Content {
		if c.Text != nil {
			b.WriteString(c.Text.Content)
		}
	}
	return b.String()
}

func flattenRequest(req models.Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		for _, c := range m.Content {
			if c.Text != nil {
				b.WriteString(c.Text.Content)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "hi there"})
	id := ts.createSession(t)

	var sessions []store.SessionInfo
	if code := ts.get(t, "/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("list sessions status = %d", code)
	}
	found := false
	for _, info := range sessions {
		if info.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("session %s missing from list", id)
	}

	var posted struct {
		State string `json:"state"`
	}
	code := ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "hello"}, &posted)
	if code != http.StatusAccepted {
		t.Fatalf("post message status = %d", code)
	}
	if posted.State != "started" {
		t.Fatalf("post message state = %q, want started", posted.State)
	}

	view := ts.waitIdle(t, id)
	if len(view.Entries) != 2 {
		t.Fatalf("got %d entries, want user message and reply", len(view.Entries))
	}
	if view.Entries[0].Message == nil || view.Entries[0].Message.Role != store.RoleUser {
		t.Fatalf("first entry = %+v, want a user message", view.Entries[0])
	}
	last := view.Entries[1]
	if last.Message == nil || last.Message.Role != store.RoleAssistant {
		t.Fatalf("second entry = %+v, want an assistant message", last)
	}
	if got := textOf(last); got != "hi there" {
		t.Fatalf("assistant text = %q, want %q", got, "hi there")
	}

	if code := ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", code)
	}

	var nodes []store.Node
	if code := ts.get(t, "/api/sessions/"+id+"/tree", &nodes); code != http.StatusOK {
		t.Fatalf("tree status = %d", code)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d root nodes, want 1", len(nodes))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "ok"})
	if code := ts.get(t, "/api/sessions/no-such-session", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestPostWhileRunningSteers(t *testing.T) {
	t.Parallel()
	echo := &echoProvider{reply: "done"}
	gated := newGatedProvider(echo)
	ts := newTestServer(t, gated)
	id := ts.createSession(t)

	var posted struct {
		State string `json:"state"`
	}
	code := ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "first"}, &posted)
	if code != http.StatusAccepted || posted.State != "started" {
		t.Fatalf("first post = %d %q, want 202 started", code, posted.State)
	}

	select {
	case <-gated.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}

	code = ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "second thought"}, &posted)
	if code != http.StatusAccepted || posted.State != "steered" {
		t.Fatalf("second post = %d %q, want 202 steered", code, posted.State)
	}

	close(gated.release)
	view := ts.waitIdle(t, id)

	var users, assistants int
	for _, e := range view.Entries {
		if e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case store.RoleUser:
			users++
		case store.RoleAssistant:
			assistants++
		}
	}
	if users != 2 || assistants != 2 {
		t.Fatalf("got %d user / %d assistant messages, want 2 of each", users, assistants)
	}

	reqs := echo.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(reqs))
	}
	if !strings.Contains(flattenRequest(reqs[1]), "second thought") {
		t.Fatalf("steered content missing from continuation request: %v", reqs[1].Messages)
	}
}

func TestStopSession(t *testing.T) {
	t.Parallel()
	gated := newGatedProvider(&echoProvider{reply: "unreachable"})
	ts := newTestServer(t, gated)
	id := ts.createSession(t)

	var stopped struct {
		State string `json:"state"`
	}
	if code := ts.post(t, "/api/sessions/"+id+"/stop", nil, &stopped); code != http.StatusOK || stopped.State != "idle" {
		t.Fatalf("stop idle session = %d %q, want 200 idle", code, stopped.State)
	}

	ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "go"}, nil)
	select {
	case <-gated.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}

	if code := ts.post(t, "/api/sessions/"+id+"/stop", nil, &stopped); code != http.StatusOK || stopped.State != "stopped" {
		t.Fatalf("stop = %d %q, want 200 stopped", code, stopped.State)
	}

	view := ts.waitIdle(t, id)
	if len(view.Entries) != 1 || view.Entries[0].Message == nil || view.Entries[0].Message.Role != store.RoleUser {
		t.Fatalf("entries after stop = %+v, want only the user message", view.Entries)
	}
}

func TestForkBranches(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "ok"})
	id := ts.createSession(t)

	ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "hello"}, nil)
	ts.waitIdle(t, id)

	var forked struct {
		Name string `json:"name"`
		Base string `json:"base"`
	}
	if code := ts.post(t, "/api/sessions/"+id+"/branches", map[string]string{"name": "alt"}, &forked); code != http.StatusCreated {
		t.Fatalf("fork status = %d", code)
	}
	if forked.Name != "alt" || forked.Base == "" {
		t.Fatalf("fork = %+v, want name alt based at the leaf", forked)
	}

	var branches struct {
		Active   string         `json:"active"`
		Branches []store.Branch `json:"branches"`
	}
	if code := ts.get(t, "/api/sessions/"+id+"/branches", &branches); code != http.StatusOK {
		t.Fatalf("list branches status = %d", code)
	}
	if branches.Active != store.BranchMain {
		t.Fatalf("active branch = %q, want %q", branches.Active, store.BranchMain)
	}
	if len(branches.Branches) != 2 {
		t.Fatalf("got %d branches, want main and alt: %+v", len(branches.Branches), branches.Branches)
	}

	if code := ts.post(t, "/api/sessions/"+id+"/branches", map[string]string{"name": "alt"}, nil); code != http.StatusBadRequest {
		t.Fatalf("duplicate fork status = %d, want 400", code)
	}
}

func TestProfiles(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "ok"})

	var profiles []store.Profile
	if code := ts.get(t, "/api/profiles", &profiles); code != http.StatusOK {
		t.Fatalf("list profiles status = %d", code)
	}
	if len(profiles) == 0 {
		t.Fatal("expected a default profile")
	}

	var saved store.Profile
	code := ts.post(t, "/api/profiles", store.Profile{
		Name:         "Reviewer",
		Instructions: "Review diffs.",
		Model:        "models/gemini-2.5-pro",
	}, &saved)
	if code != http.StatusOK {
		t.Fatalf("create profile status = %d", code)
	}
	if saved.ID == "" {
		t.Fatal("created profile has no id")
	}

	saved.Instructions = "Review diffs carefully."
	if code := ts.post(t, "/api/profiles", saved, &saved); code != http.StatusOK {
		t.Fatalf("update profile status = %d", code)
	}

	var after []store.Profile
	ts.get(t, "/api/profiles", &after)
	var got *store.Profile
	for i := range after {
		if after[i].ID == saved.ID {
			got = &after[i]
		}
	}
	if got == nil || got.Instructions != "Review diffs carefully." {
		t.Fatalf("updated profile not listed: %+v", after)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.url("/api/profiles/"+saved.ID), nil)
	if err != nil {
		t.Fatalf("build delete request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete profile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete profile status = %d, want 204", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &listingProvider{
		echoProvider: echoProvider{reply: "ok"},
		names:        []string{"models/a", "models/b"},
	})

	var names []string
	if code := ts.get(t, "/api/models", &names); code != http.StatusOK {
		t.Fatalf("list models status = %d", code)
	}
	if len(names) != 2 || names[0] != "models/a" {
		t.Fatalf("models = %v", names)
	}
}

func TestListModelsUnsupported(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "ok"})
	if code := ts.get(t, "/api/models", nil); code != http.StatusNotImplemented {
		t.Fatalf("list models status = %d, want 501", code)
	}
}

func TestWebsocketReplayAndLive(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &echoProvider{reply: "live answer"})
	id := ts.createSession(t)

	// Seed history over REST first.
	ts.post(t, "/api/sessions/"+id+"/messages", map[string]string{"content": "first question"}, nil)
	ts.waitIdle(t, id)

	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/sessions/" + id + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer ws.Close()

	readFrame := func() wsMessage {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg wsMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return msg
	}

	// The seeded exchange replays in order on connect.
	first := readFrame()
	if first.Type != "entry" || first.Entry == nil || first.Entry.Message == nil || first.Entry.Message.Role != store.RoleUser {
		t.Fatalf("first frame = %+v, want the seeded user entry", first)
	}
	second := readFrame()
	if second.Type != "entry" || second.Entry == nil || second.Entry.Message == nil || second.Entry.Message.Role != store.RoleAssistant {
		t.Fatalf("second frame = %+v, want the seeded assistant entry", second)
	}

	// A message sent over the socket starts a run; loop events then the
	// fresh entries stream back.
	if err := ws.WriteJSON(map[string]string{"content": "second question"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var events []runner.EventType
	var entries []store.Entry
	for len(entries) < 2 {
		msg := readFrame()
		switch msg.Type {
		case "event":
			events = append(events, msg.Event.Type)
		case "entry":
			entries = append(entries, *msg.Entry)
		default:
			t.Fatalf("unexpected frame type %q", msg.Type)
		}
	}

	var sawStart, sawEnd bool
	for _, e := range events {
		if e == runner.EventTurnStart {
			sawStart = true
		}
		if e == runner.EventTurnEnd {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Fatalf("events = %v, want turn_start and turn_end", events)
	}
	if entries[0].Message == nil || entries[0].Message.Role != store.RoleUser || textOf(entries[0]) != "second question" {
		t.Fatalf("first live entry = %+v, want the posted user message", entries[0])
	}
	if entries[1].Message == nil || entries[1].Message.Role != store.RoleAssistant || textOf(entries[1]) != "live answer" {
		t.Fatalf("second live entry = %+v, want the assistant reply", entries[1])
	}
}
