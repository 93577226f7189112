package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/queuemgr"
	"github.com/clawline/clawctl/internal/app/storage/memory"
	"github.com/clawline/clawctl/internal/app/turnsm"
)

type fakeHandle struct {
	mu    sync.Mutex
	level bool
}

func (f *fakeHandle) Set(high bool) error { f.mu.Lock(); defer f.mu.Unlock(); f.level = high; return nil }
func (f *fakeHandle) Get() (bool, error)  { f.mu.Lock(); defer f.mu.Unlock(); return f.level, nil }
func (f *fakeHandle) Close() error        { return nil }

// fakeConn is an in-memory Conn feeding a scripted sequence of inbound
// frames, then blocking until closed.
type fakeConn struct {
	mu        sync.Mutex
	inbound   [][]byte
	idx       int
	closed    bool
	written   [][]byte
	closeSig  chan struct{}
}

func newFakeConn(frames ...interface{}) *fakeConn {
	c := &fakeConn{closeSig: make(chan struct{})}
	for _, f := range frames {
		body, _ := json.Marshal(f)
		c.inbound = append(c.inbound, body)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.idx < len(c.inbound) {
		msg := c.inbound[c.idx]
		c.idx++
		c.mu.Unlock()
		return 1, msg, nil
	}
	c.mu.Unlock()
	<-c.closeSig
	return 0, nil, errConnClosed
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeSig)
	}
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64) {}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

type connErr struct{}

func (connErr) Error() string { return "connection closed" }

var errConnClosed = connErr{}

func testRig(t *testing.T) (*queuemgr.Manager, *turnsm.Machine, *actuator.Controller, *Registry) {
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

	registry := NewRegistry()
	notify := &Notifier{Registry: registry}
	m := turnsm.New(turnsm.Config{
		ReadyPromptSeconds: 5, TryMoveSeconds: 5, TurnTimeSeconds: 30,
		PostDropWaitSeconds: 5, TriesPerPlayer: 2, DisconnectGraceSeconds: 1,
	}, act, qm, store.Stores().Event, noopBroadcaster{}, notify, logging.New("t", "error", "text"))
	t.Cleanup(m.Stop)

	return qm, m, act, registry
}

type noopBroadcaster struct{}

func (noopBroadcaster) PublishQueueUpdate(ctx context.Context, waiting, active int)     {}
func (noopBroadcaster) PublishStateUpdate(ctx context.Context, snap turnsm.StateUpdate) {}
func (noopBroadcaster) PublishTurnEnd(ctx context.Context, entryID string, result queue.Result) {
}

func TestAuthenticate_ResolvesTokenAndSendsAuthOK(t *testing.T) {
	qm, m, act, registry := testRig(t)
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	conn := newFakeConn(inboundMessage{Type: InAuth, Token: joined.RawToken})
	s := New(Config{CommandRateHz: 50, CommandBurst: 50}, conn, qm, m, act, registry, logging.New("t", "error", "text"))

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && conn.writeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.writeCount() == 0 {
		t.Fatal("expected auth_ok to be written")
	}
	conn.Close()
	<-done
}

func TestAuthenticate_RejectsUnknownToken(t *testing.T) {
	qm, m, act, registry := testRig(t)
	ctx := context.Background()

	conn := newFakeConn(inboundMessage{Type: InAuth, Token: "not-a-real-token"})
	s := New(Config{CommandRateHz: 50, CommandBurst: 50}, conn, qm, m, act, registry, logging.New("t", "error", "text"))

	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && conn.writeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.writeCount() == 0 {
		t.Fatal("expected error message to be written")
	}
	conn.Close()
	<-done
}

func TestNewAuthedConnection_ClosesPreviousForSameEntry(t *testing.T) {
	qm, m, act, registry := testRig(t)
	ctx := context.Background()

	joined, err := qm.Join(ctx, "Ann", "ann@example.com", "203.0.113.1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	conn1 := newFakeConn(inboundMessage{Type: InAuth, Token: joined.RawToken})
	s1 := New(Config{CommandRateHz: 50, CommandBurst: 50}, conn1, qm, m, act, registry, logging.New("t", "error", "text"))
	done1 := make(chan struct{})
	go func() { s1.Run(ctx); close(done1) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && conn1.writeCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	conn2 := newFakeConn(inboundMessage{Type: InAuth, Token: joined.RawToken})
	s2 := New(Config{CommandRateHz: 50, CommandBurst: 50}, conn2, qm, m, act, registry, logging.New("t", "error", "text"))
	done2 := make(chan struct{})
	go func() { s2.Run(ctx); close(done2) }()

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("expected first connection to be closed by last-writer-wins takeover")
	}
	conn2.Close()
	<-done2
}
