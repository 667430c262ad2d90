package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/michaelbrown/labrun/internal/execution"
	"github.com/michaelbrown/labrun/internal/storage"
)

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type         string `json:"type"` // execute | cancel
	SubmissionID string `json:"submissionId"`
	UserID       string `json:"userId"`
	Language     string `json:"language"`
	SourceCode   string `json:"sourceCode"`
	TimeoutMs    int64  `json:"timeoutMs"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type         string             `json:"type"` // stdout | stderr | result | error
	SubmissionID string             `json:"submissionId,omitempty"`
	Data         string             `json:"data,omitempty"`
	Result       *storage.Execution `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.cfg.Server.CORSOrigins
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || lo.Contains(origins, "*") || lo.Contains(origins, origin)
		},
	}
}

// streamWriter forwards output chunks of one stream as websocket frames.
type streamWriter struct {
	kind         string
	submissionID string
	send         func(wsOutgoing)
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	sw.send(wsOutgoing{Type: sw.kind, SubmissionID: sw.submissionID, Data: string(p)})
	return len(p), nil
}

// handleStream runs submissions for one session over a websocket. Output
// is pushed as it is produced and every submission ends with one result
// frame. Closing the socket cancels the running submission.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	ctx, as := s.sessions.Open(r.Context(), id)

	// Mutex for thread-safe writes to the WebSocket connection
	var wsMu sync.Mutex
	send := func(msg wsOutgoing) {
		wsMu.Lock()
		defer wsMu.Unlock()
		s.wsWriteJSON(conn, msg)
	}

	var busy atomic.Bool
	var running sync.WaitGroup

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("websocket read")
			}
			break
		}

		switch msg.Type {
		case "execute":
			if !busy.CompareAndSwap(false, true) {
				send(wsOutgoing{Type: "error", Error: "an execution is already running on this stream"})
				continue
			}
			if msg.SubmissionID == "" {
				msg.SubmissionID = uuid.NewString()
			}
			req := execution.Request{
				SessionID:    id,
				SubmissionID: msg.SubmissionID,
				UserID:       msg.UserID,
				Language:     msg.Language,
				SourceCode:   msg.SourceCode,
				TimeoutMs:    msg.TimeoutMs,
				Stdout:       &streamWriter{kind: "stdout", submissionID: msg.SubmissionID, send: send},
				Stderr:       &streamWriter{kind: "stderr", submissionID: msg.SubmissionID, send: send},
			}
			running.Add(1)
			go func() {
				defer running.Done()
				defer busy.Store(false)
				res, err := s.exec.Submit(ctx, req)
				if err != nil {
					send(wsOutgoing{Type: "error", SubmissionID: req.SubmissionID, Error: err.Error()})
					return
				}
				send(wsOutgoing{Type: "result", SubmissionID: req.SubmissionID, Result: res})
			}()
		case "cancel":
			s.exec.Cancel(id, msg.SubmissionID)
		default:
			send(wsOutgoing{Type: "error", Error: "invalid message"})
		}
	}

	s.sessions.Close(as)
	running.Wait()
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Warn("websocket marshal")
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.WithError(err).Debug("websocket write")
	}
}
