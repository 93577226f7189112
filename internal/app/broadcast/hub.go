// Package broadcast implements the spectator fan-out. Publishing is
// enqueue-and-return: every PublishX call drops an envelope onto a
// bounded outbox and a single dedicated goroutine drains it, fanning
// each envelope out with a per-session send timeout. Callers — chiefly
// the Turn State Machine's own serialized command loop — are never
// blocked waiting on a spectator connection, stalled or otherwise.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/turnsm"
)

// MessageType is the closed set of spectator-facing broadcast kinds.
type MessageType string

const (
	MessageQueueUpdate MessageType = "queue_update"
	MessageStateUpdate MessageType = "state_update"
	MessageTurnEnd     MessageType = "turn_end"
	MessageKeepalive   MessageType = "keepalive"
)

// Envelope is the wire shape of every broadcast message.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// Conn is the minimal outbound transport a spectator session needs;
// *websocket.Conn satisfies it directly.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type session struct {
	id   string
	conn Conn
}

// Config holds the fan-out tuneables.
type Config struct {
	MaxStatusViewers  int
	SendTimeout       time.Duration
	KeepaliveInterval time.Duration
}

// outboxSize bounds how many envelopes can queue up behind a publish
// loop that is still draining a prior, slower fan-out. A full outbox
// drops the oldest envelope rather than applying backpressure to the
// caller: a missed keepalive or queue_update is harmless, a stalled
// Turn State Machine is not.
const outboxSize = 32

// Hub is the Broadcast Hub component.
type Hub struct {
	cfg Config
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session

	outbox   chan Envelope
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a Hub, starts its keepalive ticker, and starts the
// dedicated goroutine that drains the outbox.
func New(cfg Config, log *logging.Logger) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	h := &Hub{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
		outbox:   make(chan Envelope, outboxSize),
		done:     make(chan struct{}),
	}
	go h.keepaliveLoop()
	go h.publishLoop()
	return h
}

// Stop terminates the keepalive and publish loops and closes every
// session.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		s.conn.Close()
		delete(h.sessions, id)
	}
}

// Join registers a spectator connection, rejecting it if
// max_status_viewers is already at capacity.
func (h *Hub) Join(id string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) >= h.cfg.MaxStatusViewers {
		return false
	}
	h.sessions[id] = &session{id: id, conn: conn}
	return true
}

// Leave removes a spectator connection, e.g. on client disconnect.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Count reports the number of currently connected spectators.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) keepaliveLoop() {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.enqueue(Envelope{Type: MessageKeepalive, Payload: map[string]any{}})
		}
	}
}

// publishLoop is the only goroutine that ever calls fanOut: it owns
// the outbox and applies fan-out, eviction, and send timeouts one
// envelope at a time, off of every caller's own goroutine.
func (h *Hub) publishLoop() {
	for {
		select {
		case <-h.done:
			return
		case env := <-h.outbox:
			h.fanOut(env)
		}
	}
}

// enqueue drops env onto the outbox without blocking. A full outbox
// means the publish loop is behind (likely every spectator stalled at
// once); the oldest queued envelope is discarded to make room rather
// than ever blocking the caller.
func (h *Hub) enqueue(env Envelope) {
	select {
	case h.outbox <- env:
	default:
		select {
		case <-h.outbox:
		default:
		}
		select {
		case h.outbox <- env:
		default:
			if h.log != nil {
				h.log.Warn(context.Background(), "broadcast: outbox full, dropped envelope", nil)
			}
		}
	}
}

// fanOut sends env to every connected session, evicting any session
// whose send exceeds the configured timeout or errors. Each send runs
// on its own goroutine so one stalled session cannot delay another.
func (h *Hub) fanOut(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Error("broadcast: marshal failed")
		}
		return
	}

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var evicted []string
	var evictedMu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			result := make(chan error, 1)
			go func() { result <- s.conn.WriteMessage(websocket.TextMessage, body) }()
			select {
			case err := <-result:
				if err != nil {
					evictedMu.Lock()
					evicted = append(evicted, s.id)
					evictedMu.Unlock()
				}
			case <-time.After(h.cfg.SendTimeout):
				evictedMu.Lock()
				evicted = append(evicted, s.id)
				evictedMu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(evicted) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range evicted {
		if s, ok := h.sessions[id]; ok {
			s.conn.Close()
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()
}

// PublishQueueUpdate implements turnsm.Broadcaster. It enqueues and
// returns immediately; the caller never waits on a spectator send.
func (h *Hub) PublishQueueUpdate(ctx context.Context, waiting, active int) {
	h.enqueue(Envelope{Type: MessageQueueUpdate, Payload: map[string]int{"waiting": waiting, "active": active}})
}

// PublishStateUpdate implements turnsm.Broadcaster. Enqueue-and-return:
// see PublishQueueUpdate.
func (h *Hub) PublishStateUpdate(ctx context.Context, snap turnsm.StateUpdate) {
	h.enqueue(Envelope{Type: MessageStateUpdate, Payload: snap})
}

// PublishTurnEnd implements turnsm.Broadcaster. Enqueue-and-return: see
// PublishQueueUpdate.
func (h *Hub) PublishTurnEnd(ctx context.Context, entryID string, result queue.Result) {
	h.enqueue(Envelope{Type: MessageTurnEnd, Payload: map[string]string{"entry_id": entryID, "result": string(result)}})
}
