package memory

import (
	"context"
	"testing"
	"time"

	"github.com/clawline/clawctl/internal/app/domain/contact"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
)

func TestCreate_RejectsSecondActiveEntry(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &queue.Entry{Email: "a@example.com", TokenHash: "tok-a", State: queue.StateActive}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := &queue.Entry{Email: "b@example.com", TokenHash: "tok-b", State: queue.StateReady}
	if err := s.Create(ctx, second); err == nil {
		t.Fatal("expected error creating a second active-slot entry")
	}
}

func TestSetState_RejectsActivatingWhileAnotherActive(t *testing.T) {
	s := New()
	ctx := context.Background()

	active := &queue.Entry{Email: "a@example.com", TokenHash: "tok-a", State: queue.StateActive}
	waiting := &queue.Entry{Email: "b@example.com", TokenHash: "tok-b", State: queue.StateWaiting}
	if err := s.Create(ctx, active); err != nil {
		t.Fatalf("create active: %v", err)
	}
	if err := s.Create(ctx, waiting); err != nil {
		t.Fatalf("create waiting: %v", err)
	}

	if err := s.SetState(ctx, waiting.ID, queue.StateReady, nil); err == nil {
		t.Fatal("expected error promoting entry while another occupies the active slot")
	}
}

func TestGetByTokenHash_RoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := &queue.Entry{Email: "a@example.com", TokenHash: "tok-xyz", State: queue.StateWaiting}
	if err := s.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetByTokenHash(ctx, "tok-xyz")
	if err != nil {
		t.Fatalf("GetByTokenHash: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected id %s, got %s", e.ID, got.ID)
	}
}

func TestPeekNextWaiting_ReturnsLowestPosition(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, pos := range []int64{3, 1, 2} {
		e := &queue.Entry{
			Email:     "p" + string(rune('a'+i)) + "@example.com",
			TokenHash: "tok" + string(rune('a'+i)),
			State:     queue.StateWaiting,
			Position:  pos,
		}
		if err := s.Create(ctx, e); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	next, err := s.PeekNextWaiting(ctx)
	if err != nil {
		t.Fatalf("PeekNextWaiting: %v", err)
	}
	if next == nil || next.Position != 1 {
		t.Fatalf("expected entry at position 1, got %+v", next)
	}
}

func TestComplete_SetsCancelledStateForCancelledResult(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := &queue.Entry{Email: "a@example.com", TokenHash: "tok-a", State: queue.StateActive}
	if err := s.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Complete(ctx, e.ID, queue.ResultCancelled, 0, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != queue.StateCancelled {
		t.Errorf("expected state cancelled, got %s", got.State)
	}
}

func TestPruneOlderThan_RemovesOnlyTerminalEntriesPastCutoff(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	done := &queue.Entry{Email: "a@example.com", TokenHash: "tok-a", State: queue.StateDone, CompletedAt: &old}
	fresh := &queue.Entry{Email: "b@example.com", TokenHash: "tok-b", State: queue.StateWaiting}
	if err := s.Create(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := s.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("expected fresh entry to survive prune: %v", err)
	}
}

func TestEventStore_ListByEntryFiltersAndOrdersByInsertion(t *testing.T) {
	s := New()
	ctx := context.Background()

	entryID := "entry-1"
	events := []event.Type{event.TypeJoin, event.TypeActivate, event.TypeWin}
	for _, typ := range events {
		if err := s.Append(ctx, &event.Event{EntryID: entryID, Type: typ, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(ctx, &event.Event{EntryID: "other", Type: event.TypeJoin, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	got, err := s.ListByEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("ListByEntry: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != event.TypeJoin || got[2].Type != event.TypeWin {
		t.Errorf("expected insertion order preserved, got %+v", got)
	}
}

func TestContactStore_UpsertDeduplicatesByEmail(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Upsert(ctx, &contact.Contact{Email: "a@example.com", Name: "Ann"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, &contact.Contact{Email: "a@example.com", Name: "Annie"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := s.Get(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Annie" {
		t.Errorf("expected name updated to Annie, got %s", got.Name)
	}
}

func TestRateLimitStore_CountSinceOnlyCountsWithinWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, "ip:203.0.113.5", now.Add(-10*time.Second)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, "ip:203.0.113.5", now.Add(-1*time.Hour)); err != nil {
		t.Fatalf("record old: %v", err)
	}

	n, err := s.CountSince(ctx, "ip:203.0.113.5", now.Add(-1*time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 observation in window, got %d", n)
	}
}
