package actuator

import (
	"context"
	"time"
)

// WinPoller samples a win-sensor Handle on an interval and calls
// TriggerWin once a rising edge has held stable for debounce. It runs
// independently of the hardware worker so a stuck or slow sensor read
// never blocks pulse/direction commands.
type WinPoller struct {
	sensor   Handle
	polarity Polarity
	interval time.Duration
	debounce time.Duration
	ctrl     *Controller
}

// NewWinPoller constructs a poller for the given sensor handle.
// debounce is the minimum duration the sensor must read continuously
// active before a win is declared; a mechanical switch or a noisy
// opto-isolator can chatter for several milliseconds around the real
// transition, and firing on the first sampled edge would double- or
// triple-count a single physical win.
func NewWinPoller(sensor Handle, polarity Polarity, interval, debounce time.Duration, ctrl *Controller) *WinPoller {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	if debounce <= 0 {
		debounce = 60 * time.Millisecond
	}
	return &WinPoller{sensor: sensor, polarity: polarity, interval: interval, debounce: debounce, ctrl: ctrl}
}

// Run blocks until ctx is cancelled, polling the sensor and firing
// TriggerWin once per edge, only after the signal has read
// continuously active for at least the debounce window.
func (p *WinPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var activeSince time.Time
	var fired bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level, err := p.sensor.Get()
			if err != nil {
				continue
			}
			active := p.polarity.resolve(level)
			if !active {
				activeSince = time.Time{}
				fired = false
				continue
			}
			if activeSince.IsZero() {
				activeSince = time.Now()
			}
			if !fired && time.Since(activeSince) >= p.debounce {
				p.ctrl.TriggerWin()
				fired = true
			}
		}
	}
}
