package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local clients connect from arbitrary origins
	},
}

const (
	pingInterval = 30 * time.Second
	writeWait    = 5 * time.Second
)

// wsMessage is one websocket frame. Type is "entry" for persisted session
// entries, "event" for live loop progress, "error" for terminal failures.
type wsMessage struct {
	Type  string        `json:"type"`
	Entry *store.Entry  `json:"entry,omitempty"`
	Event *runner.Event `json:"event,omitempty"`
	Error string        `json:"error,omitempty"`
}

// handleEvents streams one session over a websocket. The branch's entries
// are replayed on connect, then loop events and freshly appended entries
// follow live. Frames read from the client carry user messages and are
// posted exactly like POST /api/sessions/{id}/messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	branch := r.URL.Query().Get("branch")

	sess, err := s.store.LoadSession(id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	defer sess.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer ws.Close()

	h := s.hubs.get(id)
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	// sentIDs tracks replayed entries so each resync sends only the new tail.
	sentIDs := make(map[string]bool)
	sync := func() error {
		if err := sess.Refresh(); err != nil {
			return err
		}
		entries, err := sess.Materialize(branch)
		if err != nil {
			return err
		}
		for i := range entries {
			if sentIDs[entries[i].ID] {
				continue
			}
			if err := ws.WriteJSON(wsMessage{Type: "entry", Entry: &entries[i]}); err != nil {
				return err
			}
			sentIDs[entries[i].ID] = true
		}
		return nil
	}

	if err := sync(); err != nil {
		s.log.Error("Websocket initial sync failed", "session", id, "error", err)
		ws.WriteJSON(wsMessage{Type: "error", Error: err.Error()})
		return
	}

	// The reader goroutine only reads; every write happens below so frames
	// never interleave. Closing the connection unblocks the reader.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg struct {
				Content string `json:"content"`
			}
			if err := ws.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug("Websocket read ended", "session", id, "error", err)
				}
				return
			}
			if msg.Content == "" {
				continue
			}
			if _, err := s.post(id, branch, msg.Content); err != nil {
				s.log.Error("Posting websocket message failed", "session", id, "error", err)
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case u := <-sub:
			if u.Event != nil {
				if err := ws.WriteJSON(wsMessage{Type: "event", Event: u.Event}); err != nil {
					return
				}
			}
			// A nil event means the run finished; an EntryID means a new
			// entry was persisted. Both warrant a resync.
			if u.Event == nil || u.Event.EntryID != "" {
				if err := sync(); err != nil {
					s.log.Error("Websocket resync failed", "session", id, "error", err)
					return
				}
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
