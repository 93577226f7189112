// Package queuemgr implements admission, position assignment, and
// terminal-state reconciliation against the durable queue store. It
// holds no locks of its own beyond what the store provides: the
// partial uniqueness on state in (ready, active) is the actual source
// of truth for the single-active-slot invariant.
package queuemgr

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawline/clawctl/infrastructure/errors"
	"github.com/clawline/clawctl/infrastructure/logging"
	core "github.com/clawline/clawctl/internal/app/core/service"
	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/storage"
)

// eventHistoryMax bounds how much of one entry's audit trail an
// operator can pull in a single request.
const eventHistoryMax = 200

// Config holds the tuneables the manager needs at construction.
type Config struct {
	TokenSalt      string
	StaleWindow    time.Duration
	ForceStaleOnBoot bool
}

// Manager is the Queue Manager component.
type Manager struct {
	cfg     Config
	stores  storage.Stores
	log     *logging.Logger
}

// New constructs a Manager over the given stores.
func New(cfg Config, stores storage.Stores, log *logging.Logger) *Manager {
	return &Manager{cfg: cfg, stores: stores, log: log}
}

// Joined is returned by Join: the raw token is surfaced exactly once.
type Joined struct {
	EntryID  string
	RawToken string
	Position int64
}

// Join admits a new player, minting a cryptographically random bearer
// credential and recording only its salted hash.
func (m *Manager) Join(ctx context.Context, name, email, ip string) (*Joined, error) {
	rawToken, err := randomToken()
	if err != nil {
		return nil, errors.Internal("generate admission token", err)
	}
	tokenHash := m.hashToken(rawToken)

	position, err := m.stores.Queue.NextPosition(ctx)
	if err != nil {
		return nil, errors.DatabaseError("next_position", err)
	}

	entry := &queue.Entry{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		IP:        ip,
		TokenHash: tokenHash,
		State:     queue.StateWaiting,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.stores.Queue.Create(ctx, entry); err != nil {
		return nil, errors.DatabaseError("create_entry", err)
	}

	if err := m.stores.Contact.Upsert(ctx, &contact.Contact{Email: email, Name: name}); err != nil && m.log != nil {
		m.log.WithError(err).Warn("contact upsert failed, continuing")
	}

	m.emit(ctx, entry.ID, event.TypeJoin, fmt.Sprintf(`{"position":%d}`, position))

	return &Joined{EntryID: entry.ID, RawToken: rawToken, Position: position}, nil
}

// Leave works from any non-terminal state. Leaving while active is a
// voluntary early end; the caller (TSM) is responsible for converting
// that into a turn_end with result cancelled. Leave itself only
// performs the terminal transition for non-active states.
func (m *Manager) Leave(ctx context.Context, tokenHash string) error {
	entry, err := m.stores.Queue.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return errors.NotFound("queue_entry", "token")
	}
	if entry.State.Terminal() {
		return nil
	}
	if entry.State == queue.StateActive {
		return errors.Conflict("active entry must leave through the turn state machine")
	}
	if err := m.stores.Queue.Complete(ctx, entry.ID, queue.ResultCancelled, entry.TriesUsed, time.Now().UTC()); err != nil {
		return errors.DatabaseError("complete_entry", err)
	}
	m.emit(ctx, entry.ID, event.TypeLeave, "{}")
	return nil
}

// PeekNextWaiting returns the lowest-position waiting entry, or nil
// if the queue is empty.
func (m *Manager) PeekNextWaiting(ctx context.Context) (*queue.Entry, error) {
	entry, err := m.stores.Queue.PeekNextWaiting(ctx)
	if err != nil {
		return nil, errors.DatabaseError("peek_next_waiting", err)
	}
	return entry, nil
}

// SetState transitions an entry's lifecycle state. The activation
// timestamp is restamped on every transition into ready or active.
func (m *Manager) SetState(ctx context.Context, entryID string, state queue.State) error {
	var activatedAt *time.Time
	if state.Active() {
		now := time.Now().UTC()
		activatedAt = &now
	}
	if err := m.stores.Queue.SetState(ctx, entryID, state, activatedAt); err != nil {
		return errors.DatabaseError("set_state", err)
	}
	return nil
}

// Complete finalizes an entry with a terminal result.
func (m *Manager) Complete(ctx context.Context, entryID string, result queue.Result, triesUsed int) error {
	if err := m.stores.Queue.Complete(ctx, entryID, result, triesUsed, time.Now().UTC()); err != nil {
		return errors.DatabaseError("complete", err)
	}
	return nil
}

// Get resolves an entry by id, for operator-facing lookups that
// already know the id (dashboard, kick) rather than a bearer token.
func (m *Manager) Get(ctx context.Context, entryID string) (*queue.Entry, error) {
	entry, err := m.stores.Queue.Get(ctx, entryID)
	if err != nil {
		return nil, errors.NotFound("queue_entry", entryID)
	}
	return entry, nil
}

// Kick cancels a non-active entry outright. Active entries must go
// through the Turn State Machine so the actuator and broadcast state
// stay consistent with the terminal queue row.
func (m *Manager) Kick(ctx context.Context, entryID string) error {
	entry, err := m.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.State.Terminal() {
		return nil
	}
	if entry.State.Active() {
		return errors.Conflict("ready or active entry must be kicked through the turn state machine")
	}
	if err := m.stores.Queue.Complete(ctx, entryID, queue.ResultCancelled, entry.TriesUsed, time.Now().UTC()); err != nil {
		return errors.DatabaseError("complete_entry", err)
	}
	m.emit(ctx, entryID, event.TypeLeave, `{"reason":"operator_kick"}`)
	return nil
}

// EventHistory returns an entry's audit trail, newest last, clamped to
// a sane page size for the operator diagnostics surface.
func (m *Manager) EventHistory(ctx context.Context, entryID string, limit int) ([]*event.Event, error) {
	limit = core.ClampLimit(limit, core.DefaultListLimit, eventHistoryMax)
	events, err := m.stores.Event.ListByEntry(ctx, entryID)
	if err != nil {
		return nil, errors.DatabaseError("list_entry_events", err)
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// GetByToken resolves a raw bearer credential to its entry via the
// salted-hash lookup.
func (m *Manager) GetByToken(ctx context.Context, rawToken string) (*queue.Entry, error) {
	entry, err := m.stores.Queue.GetByTokenHash(ctx, m.hashToken(rawToken))
	if err != nil {
		return nil, errors.NotFound("queue_entry", "token")
	}
	return entry, nil
}

// Status reports aggregate waiting/active counts.
func (m *Manager) Status(ctx context.Context) (waiting, active int, err error) {
	waiting, active, err = m.stores.Queue.Status(ctx)
	if err != nil {
		return 0, 0, errors.DatabaseError("status", err)
	}
	return waiting, active, nil
}

// CleanupStale reconciles any entry left in ready or active from a
// prior process lifetime to a terminal expired result. Called once
// during startup recovery, before the Turn State Machine begins
// accepting advance() calls.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	entries, err := m.stores.Queue.FindActiveOrReady(ctx)
	if err != nil {
		return 0, errors.DatabaseError("find_active_or_ready", err)
	}

	n := 0
	now := time.Now().UTC()
	for _, e := range entries {
		if !m.cfg.ForceStaleOnBoot {
			if e.ActivatedAt == nil || now.Sub(*e.ActivatedAt) < m.cfg.StaleWindow {
				continue
			}
		}
		if err := m.stores.Queue.Complete(ctx, e.ID, queue.ResultExpired, e.TriesUsed, now); err != nil {
			return n, errors.DatabaseError("complete_stale", err)
		}
		m.emit(ctx, e.ID, event.TypeTurnEnd, `{"reason":"recovery_expired"}`)
		n++
	}
	if m.log != nil && n > 0 {
		m.log.WithFields(map[string]interface{}{"count": n}).Info("reconciled stale entries on startup")
	}
	return n, nil
}

func (m *Manager) emit(ctx context.Context, entryID string, typ event.Type, detailJSON string) {
	err := m.stores.Event.Append(ctx, &event.Event{
		EntryID:    entryID,
		Type:       typ,
		DetailJSON: detailJSON,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil && m.log != nil {
		m.log.WithError(err).Warn("event append failed")
	}
}

func (m *Manager) hashToken(raw string) string {
	h := sha256.Sum256([]byte(m.cfg.TokenSalt + raw))
	return hex.EncodeToString(h[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
