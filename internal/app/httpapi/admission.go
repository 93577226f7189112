package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/clawline/clawctl/infrastructure/httputil"
	"github.com/clawline/clawctl/infrastructure/middleware"
	"github.com/clawline/clawctl/internal/app/control"
	"github.com/clawline/clawctl/internal/app/domain/queue"
)

type joinRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type joinResponse struct {
	Token                string `json:"token"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int    `json:"estimated_wait_seconds"`
}

const estimatedSecondsPerTurn = 90

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if len(name) == 0 || len(name) > 64 {
		httputil.BadRequest(w, "name must be 1-64 characters")
		return
	}
	if !middleware.IsValidEmail(email) {
		httputil.BadRequest(w, "email is invalid")
		return
	}

	joined, err := s.app.Queue.Join(r.Context(), middleware.SanitizeInput(name), email, httputil.ClientIP(r))
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	s.app.Machine.Advance(r.Context())

	httputil.WriteJSON(w, http.StatusCreated, joinResponse{
		Token:                joined.RawToken,
		Position:             joined.Position,
		EstimatedWaitSeconds: int(joined.Position) * estimatedSecondsPerTurn,
	})
}

type leaveRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	entry, err := s.app.Queue.GetByToken(r.Context(), req.Token)
	if err != nil {
		httputil.Unauthorized(w, "unknown credential")
		return
	}
	if entry.State == queue.StateActive {
		s.app.Machine.AdminForceEnd(r.Context(), queue.ResultCancelled)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := s.app.Queue.Leave(r.Context(), entry.TokenHash); err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sessionResponse struct {
	EntryID   string `json:"entry_id"`
	State     string `json:"state"`
	Position  int64  `json:"position"`
	TriesUsed int    `json:"tries_used"`
	Result    string `json:"result,omitempty"`
}

func (s *Server) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		httputil.Unauthorized(w, "missing bearer credential")
		return
	}
	entry, err := s.app.Queue.GetByToken(r.Context(), token)
	if err != nil {
		httputil.Unauthorized(w, "unknown credential")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		EntryID:   entry.ID,
		State:     string(entry.State),
		Position:  entry.Position,
		TriesUsed: entry.TriesUsed,
		Result:    string(entry.Result),
	})
}

// handlePlayWS upgrades to the player's bidirectional control channel.
// Authentication happens inside control.Session's own auth handshake,
// not here: the upgrade itself is unauthenticated so the client can
// complete the handshake over the same socket it will use for play.
func (s *Server) handlePlayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cfg := s.app.Config
	sess := control.New(control.Config{
		MaxMessageBytes: 4096,
		PreAuthTimeout:  secondsToDuration(cfg.ControlPreAuthTimeoutS),
		CommandRateHz:   cfg.CommandRateLimitHz,
		CommandBurst:    cfg.CommandRateBurst,
	}, conn, s.app.Queue, s.app.Machine, s.app.Actuator, s.app.Registry, s.app.Log)
	sess.Run(r.Context())
}

// handleSpectateWS upgrades to a read-only broadcast feed. The Broadcast
// Hub handles its own session cap and eviction.
func (s *Server) handleSpectateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := httputil.ClientIP(r) + ":" + r.Header.Get("Sec-WebSocket-Key")
	if !s.app.Hub.Join(id, conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":"spectator capacity reached"}`))
		conn.Close()
		return
	}
	defer s.app.Hub.Leave(id)

	// Spectators send nothing meaningful; this loop exists only so a
	// client-initiated close is observed as a read error, the same way
	// control.Session.Run detects disconnect on the player path. Once
	// upgraded, r.Context() is cancelled on process shutdown, not on
	// the peer closing its end, so blocking on it alone would leak this
	// goroutine for the life of the process.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
