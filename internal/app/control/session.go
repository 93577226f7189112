// Package control implements the per-player bidirectional channel:
// auth handshake, inbound command rate limiting, direction/drop
// delegation to the Actuator (gated by the Turn State Machine), and
// disconnect handling.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/ratelimit"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/queuemgr"
	"github.com/clawline/clawctl/internal/app/turnsm"
)

// connState is the closed per-connection state machine.
type connState string

const (
	stateUnauth connState = "unauth"
	stateAuthed connState = "authed"
	stateClosed connState = "closed"
)

// InboundType is the closed set of inbound message kinds.
type InboundType string

const (
	InAuth         InboundType = "auth"
	InReadyConfirm InboundType = "ready_confirm"
	InKeydown      InboundType = "keydown"
	InKeyup        InboundType = "keyup"
	InDrop         InboundType = "drop"
	InDropStart    InboundType = "drop_start"
	InDropEnd      InboundType = "drop_end"
	InLatencyPong  InboundType = "latency_pong"
)

// OutboundType is the closed set of outbound message kinds.
type OutboundType string

const (
	OutAuthOK      OutboundType = "auth_ok"
	OutError       OutboundType = "error"
	OutStateUpdate OutboundType = "state_update"
	OutReadyPrompt OutboundType = "ready_prompt"
	OutTurnEnd     OutboundType = "turn_end"
	OutControlAck  OutboundType = "control_ack"
	OutLatencyPing OutboundType = "latency_ping"
)

type inboundMessage struct {
	Type      InboundType `json:"type"`
	Token     string      `json:"token,omitempty"`
	Direction string      `json:"dir,omitempty"`
}

type outboundMessage struct {
	Type    OutboundType `json:"type"`
	Payload interface{}  `json:"payload,omitempty"`
}

// Conn is the minimal transport a session drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
}

// Config holds the per-session tuneables.
type Config struct {
	MaxMessageBytes    int64
	PreAuthTimeout     time.Duration
	CommandRateHz      float64
	CommandBurst       int
}

// Registry tracks the single live connection per entry id, so a new
// authed connection for the same entry closes the previous one.
type Registry struct {
	mu       sync.Mutex
	byEntry  map[string]*Session
}

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{byEntry: make(map[string]*Session)}
}

func (r *Registry) takeOver(entryID string, s *Session) {
	r.mu.Lock()
	prev := r.byEntry[entryID]
	r.byEntry[entryID] = s
	r.mu.Unlock()
	if prev != nil && prev != s {
		prev.closeLastWriterWins()
	}
}

func (r *Registry) remove(entryID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byEntry[entryID] == s {
		delete(r.byEntry, entryID)
	}
}

func (r *Registry) get(entryID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEntry[entryID]
}

// Notifier implements turnsm.Notifier by looking up the live session
// for an entry id in the registry and forwarding the message to it.
// Notifications for an entry with no live connection are dropped.
type Notifier struct {
	Registry *Registry
}

func (n *Notifier) ReadyPrompt(ctx context.Context, entryID string, secondsLeft int) {
	if s := n.Registry.get(entryID); s != nil {
		s.readyPromptFor(entryID, secondsLeft)
	}
}

func (n *Notifier) StateUpdate(ctx context.Context, entryID string, snap turnsm.StateUpdate) {
	if s := n.Registry.get(entryID); s != nil {
		s.stateUpdateFor(entryID, snap)
	}
}

func (n *Notifier) TurnEnd(ctx context.Context, entryID string, result queue.Result) {
	if s := n.Registry.get(entryID); s != nil {
		s.turnEndFor(entryID, result)
	}
}

// Session is one player's authenticated bidirectional connection.
type Session struct {
	cfg      Config
	conn     Conn
	queue    *queuemgr.Manager
	machine  *turnsm.Machine
	actuator *actuator.Controller
	registry *Registry
	log      *logging.Logger
	limiter  *ratelimit.RateLimiter

	mu      sync.Mutex
	state   connState
	entryID string
}

// New constructs a session bound to conn. Call Run to drive its read
// loop until close.
func New(cfg Config, conn Conn, qm *queuemgr.Manager, machine *turnsm.Machine, act *actuator.Controller, registry *Registry, log *logging.Logger) *Session {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	if cfg.PreAuthTimeout <= 0 {
		cfg.PreAuthTimeout = 10 * time.Second
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)
	return &Session{
		cfg: cfg, conn: conn, queue: qm, machine: machine, actuator: act, registry: registry, log: log,
		limiter: ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: cfg.CommandRateHz, Burst: cfg.CommandBurst}),
		state:   stateUnauth,
	}
}

// Run drives the session's read loop until the connection closes.
// It blocks until the pre-auth handshake timeout, an auth failure, a
// protocol violation, or a transport error ends the session.
func (s *Session) Run(ctx context.Context) {
	defer s.close(ctx)

	authDeadline := time.Now().Add(s.cfg.PreAuthTimeout)
	authTimer := time.AfterFunc(s.cfg.PreAuthTimeout, func() {
		s.mu.Lock()
		unauth := s.state == stateUnauth
		s.mu.Unlock()
		if unauth {
			s.sendError("auth handshake timed out")
			s.conn.Close()
		}
	})
	defer authTimer.Stop()
	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == stateUnauth && time.Now().After(authDeadline) {
			s.sendError("auth handshake timed out")
			return
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}

		if !s.limiter.Allow() {
			continue // over-limit frames are silently dropped
		}

		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg inboundMessage) {
	s.mu.Lock()
	state := s.state
	entryID := s.entryID
	s.mu.Unlock()

	if state == stateUnauth {
		if msg.Type != InAuth {
			return
		}
		s.authenticate(ctx, msg.Token)
		return
	}

	if !s.machine.CanAcceptDirection(entryID) && isDirectionOrDrop(msg.Type) {
		return
	}

	switch msg.Type {
	case InReadyConfirm:
		s.machine.ReadyConfirm(ctx, entryID)
	case InKeydown:
		dir, ok := parseDirection(msg.Direction)
		if ok {
			_ = s.actuator.DirectionOn(ctx, dir)
		}
	case InKeyup:
		dir, ok := parseDirection(msg.Direction)
		if ok {
			_ = s.actuator.DirectionOff(ctx, dir)
		}
	case InDrop, InDropStart:
		s.machine.DropPress(ctx, entryID)
	case InDropEnd:
		s.machine.DropRelease(ctx, entryID)
	case InLatencyPong:
		// acknowledged implicitly; no state change
	}
}

func isDirectionOrDrop(t InboundType) bool {
	switch t {
	case InKeydown, InKeyup, InDrop, InDropStart, InDropEnd:
		return true
	}
	return false
}

func parseDirection(raw string) (actuator.Direction, bool) {
	switch actuator.Direction(raw) {
	case actuator.North, actuator.South, actuator.East, actuator.West:
		return actuator.Direction(raw), true
	}
	return "", false
}

func (s *Session) authenticate(ctx context.Context, rawToken string) {
	entry, err := s.queue.GetByToken(ctx, rawToken)
	if err != nil {
		s.sendError("invalid credential")
		return
	}

	s.mu.Lock()
	s.state = stateAuthed
	s.entryID = entry.ID
	s.mu.Unlock()

	s.registry.takeOver(entry.ID, s)
	s.send(outboundMessage{Type: OutAuthOK})
	s.machine.Reconnect(ctx, entry.ID)
}

// closeLastWriterWins closes a superseded connection for the same
// entry id without triggering disconnect_grace handling, since a new
// authenticated connection has already taken over.
func (s *Session) closeLastWriterWins() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	s.conn.Close()
}

func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	wasAuthed := s.state == stateAuthed
	entryID := s.entryID
	s.state = stateClosed
	s.mu.Unlock()

	s.conn.Close()
	if wasAuthed && entryID != "" {
		s.registry.remove(entryID, s)
		s.machine.Disconnect(ctx, entryID)
	}
}

func (s *Session) sendError(message string) {
	s.send(outboundMessage{Type: OutError, Payload: map[string]string{"message": message}})
}

func (s *Session) send(msg outboundMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, body)
}

func (s *Session) readyPromptFor(entryID string, secondsLeft int) {
	s.mu.Lock()
	match := s.entryID == entryID && s.state == stateAuthed
	s.mu.Unlock()
	if !match {
		return
	}
	s.send(outboundMessage{Type: OutReadyPrompt, Payload: map[string]int{"seconds_left": secondsLeft}})
}

func (s *Session) stateUpdateFor(entryID string, snap turnsm.StateUpdate) {
	s.mu.Lock()
	match := s.entryID == entryID && s.state == stateAuthed
	s.mu.Unlock()
	if !match {
		return
	}
	s.send(outboundMessage{Type: OutStateUpdate, Payload: snap})
}

func (s *Session) turnEndFor(entryID string, result queue.Result) {
	s.mu.Lock()
	match := s.entryID == entryID && s.state == stateAuthed
	s.mu.Unlock()
	if !match {
		return
	}
	s.send(outboundMessage{Type: OutTurnEnd, Payload: map[string]string{"result": string(result)}})
}
