package web

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/deixis/crosscheck/internal/run"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The console page and the API share an origin; the report may be
	// opened from a file:// preview, so origins are not restricted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is a frame pushed to the console page. Output frames carry
// chunks in emission order; a single status frame terminates the stream.
type wsMessage struct {
	Type      string    `json:"type"` // "output" or "status"
	Data      string    `json:"data,omitempty"`
	State     run.State `json:"state,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ReportURL string    `json:"report_url,omitempty"`
}

// handleRunStream pushes a run's output over a WebSocket from the
// beginning of the stream, then a final status frame once the child
// has exited. Late subscribers replay the full output first.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	rn, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s.metrics.WSClientsActive.Inc()
	defer s.metrics.WSClientsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so a closed page cancels the stream loop.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	offset := 0
	for {
		chunk, next, done, err := rn.Output().Next(ctx, offset)
		if err != nil {
			return // client went away
		}
		if len(chunk) > 0 {
			msg := wsMessage{Type: "output", Data: string(chunk)}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		offset = next
		if done {
			break
		}
	}

	final := wsMessage{Type: "status", State: rn.State()}
	if code, ok := rn.ExitCode(); ok {
		final.ExitCode = &code
	}
	if rn.HasReport() {
		final.ReportURL = "/runs/" + rn.ID + "/report"
	}
	if err := conn.WriteJSON(final); err != nil {
		return
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
