package actuator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func testControllerForWin(t *testing.T) *Controller {
	t.Helper()
	c, _, _, _ := testController(t, defaultConfig())
	return c
}

func TestWinPoller_IgnoresBriefGlitchBelowDebounce(t *testing.T) {
	sensor := &fakeHandle{}
	c := testControllerForWin(t)
	var wins int32
	c.RegisterWinCallback(func() { atomic.AddInt32(&wins, 1) })

	p := NewWinPoller(sensor, ActiveHigh, time.Millisecond, 30*time.Millisecond, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sensor.Set(true)
	time.Sleep(10 * time.Millisecond)
	sensor.Set(false)
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&wins) != 0 {
		t.Fatalf("expected glitch shorter than debounce window to be ignored, got %d wins", wins)
	}
}

func TestWinPoller_FiresOnceAfterStableHold(t *testing.T) {
	sensor := &fakeHandle{}
	c := testControllerForWin(t)
	var wins int32
	c.RegisterWinCallback(func() { atomic.AddInt32(&wins, 1) })

	p := NewWinPoller(sensor, ActiveHigh, time.Millisecond, 20*time.Millisecond, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	sensor.Set(true)
	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&wins); got != 1 {
		t.Fatalf("expected exactly 1 win after a stable hold, got %d", got)
	}

	sensor.Set(false)
	time.Sleep(5 * time.Millisecond)
	sensor.Set(true)
	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&wins); got != 2 {
		t.Fatalf("expected a second distinct edge to fire again, got %d", got)
	}
}
