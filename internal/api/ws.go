package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprite-ai/tiergate/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev; restrict in production
	},
}

const wsWriteWait = 10 * time.Second

// WebSocket message types from client.
const (
	wsMsgRun = "run"
)

// WebSocket message types to client.
const (
	wsMsgStarted = "started"
	wsMsgOutcome = "outcome"
	wsMsgReport  = "report"
	wsMsgError   = "error"
)

// wsMessage is the envelope for WebSocket messages in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsRunRequest is the payload for "run" messages. With no branches the remote is discovered.
type wsRunRequest struct {
	Branches []string `json:"branches,omitempty"`
	DryRun   bool     `json:"dry_run"`
}

// wsStartedResponse lists the candidates a run will process, in report order.
type wsStartedResponse struct {
	Candidates []string `json:"candidates"`
	DryRun     bool     `json:"dry_run"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// Runs outlast the server's request timeouts.
	_ = conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendWSError(conn, "invalid message format")
			continue
		}

		switch msg.Type {
		case wsMsgRun:
			s.handleWSRun(conn, r, msg.Data)
		default:
			s.sendWSError(conn, "unknown message type: "+msg.Type)
		}
	}
}

func (s *Server) handleWSRun(conn *websocket.Conn, r *http.Request, data json.RawMessage) {
	if s.runner == nil {
		s.sendWSError(conn, "runs are not enabled on this server")
		return
	}
	var req wsRunRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendWSError(conn, "invalid run data")
			return
		}
	}
	if !s.runMu.TryLock() {
		s.sendWSError(conn, "a run is already in progress")
		return
	}
	defer s.runMu.Unlock()

	ctx := r.Context()
	var cands []model.Candidate
	if len(req.Branches) > 0 {
		cands = s.runner.Candidates(req.Branches)
	} else {
		var err error
		if cands, err = s.runner.Discover(ctx); err != nil {
			s.sendWSError(conn, "discovering branches: "+err.Error())
			return
		}
	}

	started := wsStartedResponse{Candidates: make([]string, 0, len(cands)), DryRun: req.DryRun}
	for _, c := range cands {
		started.Candidates = append(started.Candidates, c.ID)
	}
	s.sendWSMessage(conn, wsMsgStarted, started)

	s.logger.Info("websocket run started", "candidates", len(cands), "dry_run", req.DryRun)
	rep := s.runner.Stream(ctx, cands, req.DryRun, func(e model.ReportEntry) {
		s.sendWSMessage(conn, wsMsgOutcome, e)
	})
	if s.report != nil {
		s.report(rep)
	}
	s.sendWSMessage(conn, wsMsgReport, rep)
}

func (s *Server) sendWSMessage(conn *websocket.Conn, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("ws marshal failed", "error", err)
		return
	}
	msg := wsMessage{Type: msgType, Data: raw}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("ws write failed", "error", err)
	}
}

func (s *Server) sendWSError(conn *websocket.Conn, errMsg string) {
	s.sendWSMessage(conn, wsMsgError, map[string]string{"message": errMsg})
}
