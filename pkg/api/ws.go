package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is one frame of the per-request stream. Exactly one of the
// payload fields is set, selected by Type.
type wsFrame struct {
	Type        string              `json:"type"` // message, escalation, state
	Message     *types.Message      `json:"message,omitempty"`
	Escalation  *types.Escalation   `json:"escalation,omitempty"`
	State       types.PipelineState `json:"state,omitempty"`
	FailureCode string              `json:"failure_code,omitempty"`
}

// wsRequest streams the bus history and escalations of one correlation id
// until the pipeline reaches a terminal state. The backlog is replayed
// first, so late subscribers see the full conversation.
func (s *Server) wsRequest(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if _, ok := s.opts.Orchestrator.Snapshot(cid); !ok {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "unknown correlation id", cid, false)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	go discardReads(conn)

	sentMsgs := make(map[string]bool)
	sentEscs := make(map[string]bool)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.opts.Bus != nil {
			for _, msg := range s.opts.Bus.History(cid) {
				if sentMsgs[msg.MessageID] {
					continue
				}
				sentMsgs[msg.MessageID] = true
				if conn.WriteJSON(wsFrame{Type: "message", Message: msg}) != nil {
					return
				}
			}
		}
		if s.opts.Errors != nil {
			for _, esc := range s.opts.Errors.ByCorrelation(cid) {
				if sentEscs[esc.ErrorID] {
					continue
				}
				sentEscs[esc.ErrorID] = true
				if conn.WriteJSON(wsFrame{Type: "escalation", Escalation: esc}) != nil {
					return
				}
			}
		}

		snap, ok := s.opts.Orchestrator.Snapshot(cid)
		if !ok {
			return
		}
		if snap.State.Terminal() {
			if conn.WriteJSON(wsFrame{Type: "state", State: snap.State, FailureCode: snap.FailureCode}) != nil {
				return
			}
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.State)))
			return
		}

		<-ticker.C
	}
}

// wsFederation streams federation events (peer up/down, sync start/end,
// conflict summaries) until the client disconnects.
func (s *Server) wsFederation(w http.ResponseWriter, r *http.Request) {
	if s.opts.FedEvents == nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeInternalError, "federation is disabled", "", false)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.opts.FedEvents.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// discardReads drains client frames so control messages are processed; the
// request stream is write-only from the server's side.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.WithComponent("api").Debug().Err(err).Msg("websocket closed")
			return
		}
	}
}
