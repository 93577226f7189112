package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/turnsm"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  int
	delay   time.Duration
	failErr error
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return f.failErr
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func newHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.MaxStatusViewers == 0 {
		cfg.MaxStatusViewers = 10
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = time.Hour
	}
	h := New(cfg, logging.New("t", "error", "text"))
	t.Cleanup(h.Stop)
	return h
}

func TestJoin_RejectsPastCapacity(t *testing.T) {
	h := newHub(t, Config{MaxStatusViewers: 1, SendTimeout: time.Second})

	if ok := h.Join("a", &fakeConn{}); !ok {
		t.Fatal("expected first join to succeed")
	}
	if ok := h.Join("b", &fakeConn{}); ok {
		t.Fatal("expected second join past capacity to be rejected")
	}
	if h.Count() != 1 {
		t.Errorf("expected 1 connected session, got %d", h.Count())
	}
}

func TestPublishQueueUpdate_ReturnsImmediately(t *testing.T) {
	h := newHub(t, Config{MaxStatusViewers: 10, SendTimeout: time.Second})
	slow := &fakeConn{delay: time.Second}
	h.Join("slow", slow)

	start := time.Now()
	h.PublishQueueUpdate(context.Background(), 3, 1)
	elapsed := time.Since(start)

	if elapsed > 50*time.Millisecond {
		t.Fatalf("expected PublishQueueUpdate to enqueue and return without waiting on any session, took %v", elapsed)
	}
}

func TestPublishQueueUpdate_DeliversToEverySession(t *testing.T) {
	h := newHub(t, Config{MaxStatusViewers: 10, SendTimeout: time.Second})
	a := &fakeConn{}
	b := &fakeConn{}
	h.Join("a", a)
	h.Join("b", b)

	h.PublishQueueUpdate(context.Background(), 3, 1)

	waitForCondition(t, func() bool { return a.writeCount() == 1 && b.writeCount() == 1 })
}

func TestPublish_EvictsSlowSessionWithoutDelayingOthers(t *testing.T) {
	h := newHub(t, Config{MaxStatusViewers: 10, SendTimeout: 20 * time.Millisecond})
	slow := &fakeConn{delay: time.Second}
	fast := &fakeConn{}
	h.Join("slow", slow)
	h.Join("fast", fast)

	h.PublishStateUpdate(context.Background(), turnsm.StateUpdate{})

	waitForCondition(t, func() bool { return fast.writeCount() == 1 })
	waitForCondition(t, func() bool { return h.Count() == 1 })
}

func TestPublish_EvictsOnWriteError(t *testing.T) {
	h := newHub(t, Config{MaxStatusViewers: 10, SendTimeout: time.Second})
	bad := &fakeConn{failErr: errWriteFailed}
	h.Join("bad", bad)

	h.PublishQueueUpdate(context.Background(), 0, 0)

	waitForCondition(t, func() bool { return h.Count() == 0 })
}

// waitForCondition polls cond until it is true or a short deadline
// passes, failing the test on timeout. Publishing is asynchronous, so
// assertions on its side effects cannot check immediately after the
// PublishX call returns.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

type writeErr struct{ msg string }

func (e *writeErr) Error() string { return e.msg }

var errWriteFailed = &writeErr{"write failed"}
