package queuemgr

import (
	"context"
	"testing"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/storage/memory"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.New()
	return New(Config{TokenSalt: "test-salt", StaleWindow: time.Hour}, store.Stores(), logging.New("test", "error", "text"))
}

func TestJoin_AssignsIncreasingPositions(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := m.Join(ctx, "Bea", "bea@example.com", "203.0.113.2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if second.Position <= first.Position {
		t.Errorf("expected strictly increasing positions, got %d then %d", first.Position, second.Position)
	}
	if first.RawToken == "" || second.RawToken == first.RawToken {
		t.Error("expected distinct non-empty raw tokens")
	}
}

func TestGetByToken_ResolvesMintedCredential(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	entry, err := m.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token: %v", err)
	}
	if entry.ID != joined.EntryID {
		t.Errorf("expected entry %s, got %s", joined.EntryID, entry.ID)
	}
}

func TestGetByToken_RejectsUnknownToken(t *testing.T) {
	m := newManager(t)
	if _, err := m.GetByToken(context.Background(), "not-a-real-token"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestLeave_RejectsActiveEntry(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.SetState(ctx, joined.EntryID, queue.StateActive); err != nil {
		t.Fatalf("set_state: %v", err)
	}

	entry, err := m.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token: %v", err)
	}
	if err := m.Leave(ctx, entry.TokenHash); err == nil {
		t.Fatal("expected leave on an active entry to be rejected")
	}
}

func TestLeave_CompletesWaitingEntryAsCancelled(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	entry, err := m.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token: %v", err)
	}

	if err := m.Leave(ctx, entry.TokenHash); err != nil {
		t.Fatalf("leave: %v", err)
	}

	after, err := m.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token after leave: %v", err)
	}
	if after.State != queue.StateCancelled {
		t.Errorf("expected state cancelled, got %s", after.State)
	}
}

func TestCleanupStale_ReconcilesExpiredEntries(t *testing.T) {
	store := memory.New()
	m := New(Config{TokenSalt: "salt", StaleWindow: time.Minute}, store.Stores(), logging.New("test", "error", "text"))
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.SetState(ctx, joined.EntryID, queue.StateActive); err != nil {
		t.Fatalf("set_state: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	if err := m.stores.Queue.SetState(ctx, joined.EntryID, queue.StateActive, &old); err != nil {
		t.Fatalf("backdate activation: %v", err)
	}

	n, err := m.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("cleanup_stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled entry, got %d", n)
	}

	after, err := m.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token: %v", err)
	}
	if after.Result != queue.ResultExpired {
		t.Errorf("expected result expired, got %s", after.Result)
	}
}

func TestCleanupStale_ForcesOnBootRegardlessOfWindow(t *testing.T) {
	store := memory.New()
	m := New(Config{TokenSalt: "salt", StaleWindow: time.Hour, ForceStaleOnBoot: true}, store.Stores(), logging.New("test", "error", "text"))
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.SetState(ctx, joined.EntryID, queue.StateActive); err != nil {
		t.Fatalf("set_state: %v", err)
	}

	n, err := m.CleanupStale(ctx)
	if err != nil {
		t.Fatalf("cleanup_stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected forced reconciliation on boot, got %d", n)
	}
}

func TestKick_CancelsWaitingEntryDirectly(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Kick(ctx, joined.EntryID); err != nil {
		t.Fatalf("kick: %v", err)
	}
	entry, err := m.Get(ctx, joined.EntryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.State != queue.StateCancelled {
		t.Errorf("expected state cancelled, got %s", entry.State)
	}
}

func TestKick_RejectsReadyOrActiveEntry(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.SetState(ctx, joined.EntryID, queue.StateReady); err != nil {
		t.Fatalf("set_state: %v", err)
	}
	if err := m.Kick(ctx, joined.EntryID); err == nil {
		t.Fatal("expected kick on a ready entry to be rejected")
	}
}

func TestEventHistory_ReturnsNewestWithinLimit(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	joined, err := m.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	for i := 0; i < 3; i++ {
		m.emit(ctx, joined.EntryID, event.TypeAdminAction, `{"n":"x"}`)
	}

	events, err := m.EventHistory(ctx, joined.EntryID, 2)
	if err != nil {
		t.Fatalf("event_history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit to clamp to 2 events, got %d", len(events))
	}
}
