// Package postgres is the durable, schema-versioned store backing
// production deployments. All writes that must observe the partial
// uniqueness on state in (ready, active) rely on the partial unique
// index created by internal/platform/migrations rather than an
// in-process lock, since multiple server processes may share one
// database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/domain/ratelimit"
	"github.com/clawline/clawctl/internal/app/storage"
)

// Store implements every durable store interface against a *sql.DB.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Stores bundles the four interfaces backed by this single connection.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{Queue: s, Event: s, Contact: s, RateLimit: s}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// Create implements storage.QueueStore.
func (s *Store) Create(ctx context.Context, e *queue.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO queue_entries
			(id, name, email, ip, token_hash, state, position, created_at,
			 activated_at, completed_at, result, tries_used, try_move_end_at, turn_end_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := s.db.ExecContext(ctx, q,
		e.ID, e.Name, e.Email, e.IP, e.TokenHash, string(e.State), e.Position, e.CreatedAt,
		e.ActivatedAt, e.CompletedAt, string(e.Result), e.TriesUsed, e.TryMoveEndAt, e.TurnEndAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: cannot create entry, single-active slot already occupied: %w", err)
		}
		return fmt.Errorf("postgres: create entry: %w", err)
	}
	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (*queue.Entry, error) {
	var e queue.Entry
	var state, result string
	if err := row.Scan(
		&e.ID, &e.Name, &e.Email, &e.IP, &e.TokenHash, &state, &e.Position, &e.CreatedAt,
		&e.ActivatedAt, &e.CompletedAt, &result, &e.TriesUsed, &e.TryMoveEndAt, &e.TurnEndAt,
	); err != nil {
		return nil, err
	}
	e.State = queue.State(state)
	e.Result = queue.Result(result)
	return &e, nil
}

const selectEntryColumns = `
	id, name, email, ip, token_hash, state, position, created_at,
	activated_at, completed_at, result, tries_used, try_move_end_at, turn_end_at`

// Get implements storage.QueueStore.
func (s *Store) Get(ctx context.Context, id string) (*queue.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectEntryColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: entry %s not found", id)
		}
		return nil, fmt.Errorf("postgres: get entry: %w", err)
	}
	return e, nil
}

// GetByTokenHash implements storage.QueueStore.
func (s *Store) GetByTokenHash(ctx context.Context, tokenHash string) (*queue.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectEntryColumns+` FROM queue_entries WHERE token_hash = $1`, tokenHash)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: token not found")
		}
		return nil, fmt.Errorf("postgres: get by token: %w", err)
	}
	return e, nil
}

// NextPosition implements storage.QueueStore using a sequence so
// concurrent admissions never collide.
func (s *Store) NextPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('queue_entries_position_seq')`).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("postgres: next position: %w", err)
	}
	return pos, nil
}

// PeekNextWaiting implements storage.QueueStore.
func (s *Store) PeekNextWaiting(ctx context.Context) (*queue.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectEntryColumns+` FROM queue_entries WHERE state = $1 ORDER BY position ASC LIMIT 1`,
		string(queue.StateWaiting))
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: peek next waiting: %w", err)
	}
	return e, nil
}

// SetState implements storage.QueueStore.
func (s *Store) SetState(ctx context.Context, id string, state queue.State, activatedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = $1, activated_at = COALESCE($2, activated_at) WHERE id = $3`,
		string(state), activatedAt, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: cannot set state, single-active slot already occupied: %w", err)
		}
		return fmt.Errorf("postgres: set state: %w", err)
	}
	return nil
}

// Complete implements storage.QueueStore.
func (s *Store) Complete(ctx context.Context, id string, result queue.Result, triesUsed int, completedAt time.Time) error {
	state := queue.StateDone
	if result == queue.ResultCancelled {
		state = queue.StateCancelled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET state = $1, result = $2, tries_used = $3, completed_at = $4 WHERE id = $5`,
		string(state), string(result), triesUsed, completedAt, id)
	if err != nil {
		return fmt.Errorf("postgres: complete entry: %w", err)
	}
	return nil
}

// SetTurnDeadlines implements storage.QueueStore.
func (s *Store) SetTurnDeadlines(ctx context.Context, id string, tryMoveEndAt, turnEndAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET try_move_end_at = $1, turn_end_at = $2 WHERE id = $3`,
		tryMoveEndAt, turnEndAt, id)
	if err != nil {
		return fmt.Errorf("postgres: set turn deadlines: %w", err)
	}
	return nil
}

// FindActiveOrReady implements storage.QueueStore, used on process
// restart to rebuild (or finalize) the in-memory Turn Context.
func (s *Store) FindActiveOrReady(ctx context.Context) ([]*queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectEntryColumns+` FROM queue_entries WHERE state IN ($1,$2) ORDER BY position ASC`,
		string(queue.StateReady), string(queue.StateActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: find active or ready: %w", err)
	}
	defer rows.Close()

	var out []*queue.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Status implements storage.QueueStore.
func (s *Store) Status(ctx context.Context) (waiting int, active int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = $1),
			COUNT(*) FILTER (WHERE state IN ($2,$3))
		FROM queue_entries`,
		string(queue.StateWaiting), string(queue.StateReady), string(queue.StateActive))
	if err := row.Scan(&waiting, &active); err != nil {
		return 0, 0, fmt.Errorf("postgres: status: %w", err)
	}
	return waiting, active, nil
}

// PruneOlderThan implements storage.QueueStore.
func (s *Store) PruneOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE state IN ($1,$2) AND completed_at < $3`,
		string(queue.StateDone), string(queue.StateCancelled), before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune entries: %w", err)
	}
	return res.RowsAffected()
}

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO game_events (id, entry_id, type, detail_json, created_at) VALUES ($1,$2,$3,$4,$5)`,
		e.ID, e.EntryID, string(e.Type), e.DetailJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

// ListByEntry implements storage.EventStore.
func (s *Store) ListByEntry(ctx context.Context, entryID string) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, type, detail_json, created_at FROM game_events WHERE entry_id = $1 ORDER BY created_at ASC`,
		entryID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var e event.Event
		var typ string
		if err := rows.Scan(&e.ID, &e.EntryID, &typ, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Type = event.Type(typ)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PruneOlderThan implements storage.EventStore.
func (s *Store) PruneOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM game_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune events: %w", err)
	}
	return res.RowsAffected()
}

// Upsert implements storage.ContactStore.
func (s *Store) Upsert(ctx context.Context, c *contact.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (email, name, created_at, updated_at)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		strings.ToLower(c.Email), c.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: upsert contact: %w", err)
	}
	return nil
}

// Get implements storage.ContactStore.
func (s *Store) Get(ctx context.Context, email string) (*contact.Contact, error) {
	var c contact.Contact
	row := s.db.QueryRowContext(ctx,
		`SELECT email, name, created_at, updated_at FROM contacts WHERE email = $1`, strings.ToLower(email))
	if err := row.Scan(&c.Email, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("postgres: contact %s not found", email)
		}
		return nil, fmt.Errorf("postgres: get contact: %w", err)
	}
	return &c, nil
}

// Record implements storage.RateLimitStore.
func (s *Store) Record(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_observations (key, observed_at) VALUES ($1,$2)`, key, at)
	if err != nil {
		return fmt.Errorf("postgres: record observation: %w", err)
	}
	return nil
}

// CountSince implements storage.RateLimitStore.
func (s *Store) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_observations WHERE key = $1 AND observed_at >= $2`, key, since)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count observations: %w", err)
	}
	return n, nil
}

// PruneOlderThan implements storage.RateLimitStore.
func (s *Store) PruneOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_observations WHERE observed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune observations: %w", err)
	}
	return res.RowsAffected()
}
