package turnsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/queuemgr"
	"github.com/clawline/clawctl/internal/app/storage/memory"
)

type fakeHandle struct {
	mu    sync.Mutex
	level bool
}

func (f *fakeHandle) Set(high bool) error { f.mu.Lock(); defer f.mu.Unlock(); f.level = high; return nil }
func (f *fakeHandle) Get() (bool, error)  { f.mu.Lock(); defer f.mu.Unlock(); return f.level, nil }
func (f *fakeHandle) Close() error        { return nil }

type recordingBroadcaster struct {
	mu        sync.Mutex
	turnEnds  []queue.Result
	stateUpds []StateUpdate
}

func (b *recordingBroadcaster) PublishQueueUpdate(ctx context.Context, waiting, active int) {}
func (b *recordingBroadcaster) PublishStateUpdate(ctx context.Context, snap StateUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateUpds = append(b.stateUpds, snap)
}
func (b *recordingBroadcaster) PublishTurnEnd(ctx context.Context, entryID string, result queue.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnEnds = append(b.turnEnds, result)
}

func (b *recordingBroadcaster) waitForTurnEnd(t *testing.T) queue.Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.turnEnds) > 0 {
			r := b.turnEnds[len(b.turnEnds)-1]
			b.mu.Unlock()
			return r
		}
		b.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for turn_end")
	return ""
}

type recordingNotifier struct {
	mu           sync.Mutex
	readyPrompts []string
	turnEnds     []string
}

func (n *recordingNotifier) ReadyPrompt(ctx context.Context, entryID string, secondsLeft int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.readyPrompts = append(n.readyPrompts, entryID)
}
func (n *recordingNotifier) StateUpdate(ctx context.Context, entryID string, snap StateUpdate) {}
func (n *recordingNotifier) TurnEnd(ctx context.Context, entryID string, result queue.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.turnEnds = append(n.turnEnds, entryID)
}

func testSetup(t *testing.T, cfg Config) (*Machine, *queuemgr.Manager, *recordingBroadcaster) {
	t.Helper()
	store := memory.New()
	qm := queuemgr.New(queuemgr.Config{TokenSalt: "s", StaleWindow: time.Hour}, store.Stores(), logging.New("t", "error", "text"))

	lines := actuator.Lines{
		Coin: &fakeHandle{}, Drop: &fakeHandle{},
		Directions: map[actuator.Direction]actuator.Handle{
			actuator.North: &fakeHandle{}, actuator.South: &fakeHandle{},
			actuator.East: &fakeHandle{}, actuator.West: &fakeHandle{},
		},
	}
	act := actuator.New(actuator.Config{
		PulseDuration: time.Millisecond, MinInterPulse: time.Millisecond,
		DirectionHoldMax: time.Second, ConflictMode: actuator.ConflictIgnoreNew,
		CoinPolarity: actuator.ActiveHigh, DropPolarity: actuator.ActiveHigh, DirectionPolarity: actuator.ActiveHigh,
	}, lines, logging.New("t", "error", "text"))
	t.Cleanup(act.Stop)

	bc := &recordingBroadcaster{}
	notify := &recordingNotifier{}
	m := New(cfg, act, qm, store.Stores().Event, bc, notify, logging.New("t", "error", "text"))
	t.Cleanup(m.Stop)
	return m, qm, bc
}

func fastConfig() Config {
	return Config{
		ReadyPromptSeconds:     5,
		TryMoveSeconds:         5,
		TurnTimeSeconds:        30,
		PostDropWaitSeconds:    5,
		TriesPerPlayer:         2,
		CoinPerTry:             false,
		DisconnectGraceSeconds: 1,
	}
}

func TestHappyPath_WinFinalizesAndAdvances(t *testing.T) {
	m, qm, bc := testSetup(t, fastConfig())
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	m.Advance(ctx)
	snap := m.Snapshot()
	if snap.State != StateReadyPrompt || snap.ActiveEntryID != joined.EntryID {
		t.Fatalf("expected ready_prompt for %s, got %+v", joined.EntryID, snap)
	}

	m.ReadyConfirm(ctx, joined.EntryID)
	snap = m.Snapshot()
	if snap.State != StateMoving {
		t.Fatalf("expected moving after ready_confirm, got %s", snap.State)
	}

	m.DropPress(ctx, joined.EntryID)
	m.WinTriggered(ctx)

	result := bc.waitForTurnEnd(t)
	if result != queue.ResultWin {
		t.Errorf("expected result win, got %s", result)
	}

	entry, err := qm.GetByToken(ctx, joined.RawToken)
	if err != nil {
		t.Fatalf("get_by_token: %v", err)
	}
	if entry.State != queue.StateDone || entry.Result != queue.ResultWin {
		t.Errorf("expected entry done/win, got state=%s result=%s", entry.State, entry.Result)
	}
}

func TestReadyConfirm_IgnoredFromNonMatchingEntry(t *testing.T) {
	m, qm, _ := testSetup(t, fastConfig())
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Advance(ctx)

	m.ReadyConfirm(ctx, "some-other-entry")
	snap := m.Snapshot()
	if snap.State != StateReadyPrompt || snap.ActiveEntryID != joined.EntryID {
		t.Fatalf("expected state unchanged by non-matching ready_confirm, got %+v", snap)
	}
}

func TestLossByExhaustion_AfterTriesExpireWithoutWin(t *testing.T) {
	cfg := fastConfig()
	cfg.TryMoveSeconds = 0
	cfg.PostDropWaitSeconds = 0
	cfg.TriesPerPlayer = 1
	m, qm, bc := testSetup(t, cfg)
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Advance(ctx)
	m.ReadyConfirm(ctx, joined.EntryID)

	result := bc.waitForTurnEnd(t)
	if result != queue.ResultLoss {
		t.Errorf("expected loss after tries exhausted without win, got %s", result)
	}
}

func TestDisconnectGraceExpired_FinalizesAsExpired(t *testing.T) {
	cfg := fastConfig()
	cfg.DisconnectGraceSeconds = 0
	m, qm, bc := testSetup(t, cfg)
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Advance(ctx)
	m.ReadyConfirm(ctx, joined.EntryID)

	m.Disconnect(ctx, joined.EntryID)

	result := bc.waitForTurnEnd(t)
	if result != queue.ResultExpired {
		t.Errorf("expected expired after disconnect grace, got %s", result)
	}
}

func TestAdminForceEnd_FinalizesWithProvidedResult(t *testing.T) {
	m, qm, bc := testSetup(t, fastConfig())
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Advance(ctx)
	m.ReadyConfirm(ctx, joined.EntryID)

	m.AdminForceEnd(ctx, queue.ResultAdminSkipped)

	result := bc.waitForTurnEnd(t)
	if result != queue.ResultAdminSkipped {
		t.Errorf("expected admin_skipped, got %s", result)
	}
}

func TestCanAcceptDirection_OnlyDuringMovingForActiveEntry(t *testing.T) {
	m, qm, _ := testSetup(t, fastConfig())
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Advance(ctx)
	if m.CanAcceptDirection(joined.EntryID) {
		t.Error("expected direction rejected during ready_prompt")
	}

	m.ReadyConfirm(ctx, joined.EntryID)
	if !m.CanAcceptDirection(joined.EntryID) {
		t.Error("expected direction accepted during moving")
	}
	if m.CanAcceptDirection("someone-else") {
		t.Error("expected direction rejected for non-active entry")
	}
}
