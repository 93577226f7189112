package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreate_TranslatesUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO queue_entries").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.Create(context.Background(), &queue.Entry{ID: "e1", State: queue.StateWaiting})
	if err == nil {
		t.Fatal("expected error on unique violation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM queue_entries WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGet_ScansEntry(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{
		"id", "name", "email", "ip", "token_hash", "state", "position", "created_at",
		"activated_at", "completed_at", "result", "tries_used", "try_move_end_at", "turn_end_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"e1", "Ann", "ann@example.com", "203.0.113.1", "hash", string(queue.StateWaiting), int64(1), now,
		nil, nil, "", 0, nil, nil)
	mock.ExpectQuery("SELECT .* FROM queue_entries WHERE id = \\$1").
		WithArgs("e1").
		WillReturnRows(rows)

	e, err := s.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.ID != "e1" || e.State != queue.StateWaiting {
		t.Errorf("unexpected entry: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetState_TranslatesUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE queue_entries SET state").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := s.SetState(context.Background(), "e1", queue.StateActive, nil)
	if err == nil {
		t.Fatal("expected error on unique violation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestComplete_UpdatesResult(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE queue_entries SET state").
		WithArgs(string(queue.StateDone), string(queue.ResultWin), 3, sqlmock.AnyArg(), "e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Complete(context.Background(), "e1", queue.ResultWin, 3, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendAndListByEntry_RoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO game_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Append(context.Background(), &event.Event{EntryID: "e1", Type: event.TypeAdminAction, DetailJSON: "{}", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "entry_id", "type", "detail_json", "created_at"}).
		AddRow("ev1", "e1", string(event.TypeAdminAction), "{}", time.Now())
	mock.ExpectQuery("SELECT .* FROM game_events WHERE entry_id = \\$1").
		WithArgs("e1").
		WillReturnRows(rows)

	events, err := s.ListByEntry(context.Background(), "e1")
	if err != nil {
		t.Fatalf("list_by_entry: %v", err)
	}
	if len(events) != 1 || events[0].EntryID != "e1" {
		t.Errorf("unexpected events: %+v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestContactUpsertAndGet(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO contacts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Upsert(context.Background(), &contact.Contact{Email: "Ann@Example.com", Name: "Ann"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"email", "name", "created_at", "updated_at"}).
		AddRow("ann@example.com", "Ann", now, now)
	mock.ExpectQuery("SELECT email, name, created_at, updated_at FROM contacts WHERE email = \\$1").
		WithArgs("ann@example.com").
		WillReturnRows(rows)

	c, err := s.Get(context.Background(), "Ann@Example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Email != "ann@example.com" {
		t.Errorf("expected lowercased email lookup, got %s", c.Email)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRateLimitRecordAndCountSince(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("INSERT INTO rate_limit_observations").
		WithArgs("203.0.113.1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.Record(context.Background(), "203.0.113.1", now); err != nil {
		t.Fatalf("record: %v", err)
	}

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM rate_limit_observations").
		WithArgs("203.0.113.1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountSince(context.Background(), "203.0.113.1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count_since: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
