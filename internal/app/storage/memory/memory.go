// Package memory provides a thread-safe in-memory implementation of the
// storage interfaces, used in tests and as the hot-path cache shape the
// Postgres store mirrors.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/domain/ratelimit"
	"github.com/clawline/clawctl/internal/app/storage"
)

// Store is an in-memory implementation of every durable store interface.
type Store struct {
	mu sync.RWMutex

	nextPosition int64
	entries      map[string]*queue.Entry
	byTokenHash  map[string]string // tokenHash -> entry id

	events []*event.Event

	contacts map[string]*contact.Contact

	observations []ratelimit.Observation
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entries:     make(map[string]*queue.Entry),
		byTokenHash: make(map[string]string),
		contacts:    make(map[string]*contact.Contact),
	}
}

// Stores bundles the four interfaces backed by this single instance.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{Queue: s, Event: s, Contact: s, RateLimit: s}
}

func cloneEntry(e *queue.Entry) *queue.Entry {
	cp := *e
	return &cp
}

// Create implements storage.QueueStore.
func (s *Store) Create(_ context.Context, e *queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("memory: entry %s already exists", e.ID)
	}
	if e.State.Active() {
		for _, other := range s.entries {
			if other.State.Active() {
				return fmt.Errorf("memory: cannot create %s in state %s, %s already active", e.ID, e.State, other.ID)
			}
		}
	}
	s.entries[e.ID] = cloneEntry(e)
	s.byTokenHash[e.TokenHash] = e.ID
	return nil
}

// Get implements storage.QueueStore.
func (s *Store) Get(_ context.Context, id string) (*queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("memory: entry %s not found", id)
	}
	return cloneEntry(e), nil
}

// GetByTokenHash implements storage.QueueStore.
func (s *Store) GetByTokenHash(_ context.Context, tokenHash string) (*queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTokenHash[tokenHash]
	if !ok {
		return nil, fmt.Errorf("memory: token not found")
	}
	return cloneEntry(s.entries[id]), nil
}

// NextPosition implements storage.QueueStore.
func (s *Store) NextPosition(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPosition++
	return s.nextPosition, nil
}

// PeekNextWaiting implements storage.QueueStore.
func (s *Store) PeekNextWaiting(_ context.Context) (*queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *queue.Entry
	for _, e := range s.entries {
		if e.State != queue.StateWaiting {
			continue
		}
		if best == nil || e.Position < best.Position {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneEntry(best), nil
}

// SetState implements storage.QueueStore.
func (s *Store) SetState(_ context.Context, id string, state queue.State, activatedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("memory: entry %s not found", id)
	}
	if state.Active() {
		for otherID, other := range s.entries {
			if otherID != id && other.State.Active() {
				return fmt.Errorf("memory: cannot activate %s, %s already active", id, otherID)
			}
		}
	}
	e.State = state
	if activatedAt != nil {
		t := *activatedAt
		e.ActivatedAt = &t
	}
	return nil
}

// Complete implements storage.QueueStore.
func (s *Store) Complete(_ context.Context, id string, result queue.Result, triesUsed int, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("memory: entry %s not found", id)
	}
	e.State = queue.StateDone
	if result == queue.ResultCancelled {
		e.State = queue.StateCancelled
	}
	e.Result = result
	e.TriesUsed = triesUsed
	t := completedAt
	e.CompletedAt = &t
	return nil
}

// SetTurnDeadlines implements storage.QueueStore.
func (s *Store) SetTurnDeadlines(_ context.Context, id string, tryMoveEndAt, turnEndAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("memory: entry %s not found", id)
	}
	e.TryMoveEndAt = tryMoveEndAt
	e.TurnEndAt = turnEndAt
	return nil
}

// FindActiveOrReady implements storage.QueueStore.
func (s *Store) FindActiveOrReady(_ context.Context) ([]*queue.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*queue.Entry
	for _, e := range s.entries {
		if e.State.Active() {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// Status implements storage.QueueStore.
func (s *Store) Status(_ context.Context) (waiting int, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		switch {
		case e.State == queue.StateWaiting:
			waiting++
		case e.State.Active():
			active++
		}
	}
	return waiting, active, nil
}

// PruneOlderThan implements storage.QueueStore.
func (s *Store) PruneOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if e.State.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(before) {
			delete(s.entries, id)
			delete(s.byTokenHash, e.TokenHash)
			n++
		}
	}
	return n, nil
}

// Append implements storage.EventStore.
func (s *Store) Append(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// ListByEntry implements storage.EventStore.
func (s *Store) ListByEntry(_ context.Context, entryID string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*event.Event
	for _, e := range s.events {
		if e.EntryID == entryID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PruneOlderThan implements storage.EventStore.
func (s *Store) PruneOlderThan(_ context.Context, before time.Time) (n int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

// Upsert implements storage.ContactStore.
func (s *Store) Upsert(_ context.Context, c *contact.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.contacts[c.Email]
	now := time.Now()
	if !ok {
		cp := *c
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.contacts[c.Email] = &cp
		return nil
	}
	existing.Name = c.Name
	existing.UpdatedAt = now
	return nil
}

// Get implements storage.ContactStore.
func (s *Store) Get(_ context.Context, email string) (*contact.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[email]
	if !ok {
		return nil, fmt.Errorf("memory: contact %s not found", email)
	}
	cp := *c
	return &cp, nil
}

// Record implements storage.RateLimitStore.
func (s *Store) Record(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observations = append(s.observations, ratelimit.Observation{Key: key, Timestamp: at})
	return nil
}

// CountSince implements storage.RateLimitStore.
func (s *Store) CountSince(_ context.Context, key string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, o := range s.observations {
		if o.Key == key && !o.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// PruneOlderThan implements storage.RateLimitStore.
func (s *Store) PruneOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	kept := s.observations[:0]
	for _, o := range s.observations {
		if o.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	s.observations = kept
	return n, nil
}
