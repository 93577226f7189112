// Package storage defines the durable store interfaces the core depends
// on. Two implementations exist: internal/app/storage/memory (tests and
// the in-process hot path) and internal/app/storage/postgres (the
// production WAL-journaled, schema-versioned store).
package storage

import (
	"context"
	"time"

	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
)

// QueueStore owns queue entry rows. The partial uniqueness on
// state ∈ {ready, active} must be enforced by every implementation.
type QueueStore interface {
	Create(ctx context.Context, e *queue.Entry) error
	Get(ctx context.Context, id string) (*queue.Entry, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*queue.Entry, error)
	NextPosition(ctx context.Context) (int64, error)
	PeekNextWaiting(ctx context.Context) (*queue.Entry, error)
	SetState(ctx context.Context, id string, state queue.State, activatedAt *time.Time) error
	Complete(ctx context.Context, id string, result queue.Result, triesUsed int, completedAt time.Time) error
	SetTurnDeadlines(ctx context.Context, id string, tryMoveEndAt, turnEndAt *time.Time) error
	FindActiveOrReady(ctx context.Context) ([]*queue.Entry, error)
	Status(ctx context.Context) (waiting int, active int, err error)
	PruneOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// EventStore owns the append-only event log.
type EventStore interface {
	Append(ctx context.Context, e *event.Event) error
	ListByEntry(ctx context.Context, entryID string) ([]*event.Event, error)
	PruneOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ContactStore owns deduplicated player contacts.
type ContactStore interface {
	Upsert(ctx context.Context, c *contact.Contact) error
	Get(ctx context.Context, email string) (*contact.Contact, error)
}

// RateLimitStore owns durable rate-limit observations.
type RateLimitStore interface {
	Record(ctx context.Context, key string, at time.Time) error
	CountSince(ctx context.Context, key string, since time.Time) (int, error)
	PruneOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Stores bundles the four durable stores the composition root wires
// into the Queue Manager and Turn State Machine.
type Stores struct {
	Queue     QueueStore
	Event     EventStore
	Contact   ContactStore
	RateLimit RateLimitStore
}
