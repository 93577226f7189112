// Package watchdog implements the out-of-process safety monitor: it
// polls the main process's health endpoint and, after enough
// consecutive failures, forces every configured output line low
// through a path that does not go through the Actuator Controller.
// That controller is owned by the process this package is watching
// for — if it has wedged, reaching the controller's command channel
// is exactly what would hang. The safe-state primitive here writes
// lines directly, last-write-wins, so it can act even while the main
// process is unresponsive.
package watchdog

import (
	"context"
	"errors"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/resilience"
	"github.com/clawline/clawctl/infrastructure/service"
	"github.com/clawline/clawctl/internal/app/actuator"
)

// Config holds the watchdog's polling and trip tuneables.
type Config struct {
	HealthURL      string
	CheckInterval  time.Duration
	RequestTimeout time.Duration
	FailThreshold  int
}

// Line is one directly-addressable output the watchdog can force low
// in an emergency, independent of the Actuator Controller's lock.
type Line struct {
	Name     string
	Handle   actuator.Handle
	Polarity actuator.Polarity
}

var errHealthCheckFailed = errors.New("watchdog: health check did not report healthy")

// Watchdog polls a health endpoint and trips every registered Line to
// its safe (off) level after FailThreshold consecutive failures. The
// consecutive-failure-then-trip accounting is a CircuitBreaker: an
// open breaker is a tripped watchdog, and the breaker's own half-open
// probe is how the watchdog notices recovery without a second timer.
type Watchdog struct {
	cfg     Config
	lines   []Line
	log     *logging.Logger
	check   service.HealthCheckFunc
	breaker *resilience.CircuitBreaker
}

// New constructs a Watchdog. lines must enumerate every physical
// output the main process can drive; the watchdog writes to all of
// them directly on trip, bypassing any in-process lock.
func New(cfg Config, lines []Line, log *logging.Logger) *Watchdog {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	w := &Watchdog{
		cfg:   cfg,
		lines: lines,
		log:   log,
		check: service.HTTPHealthCheck("main", cfg.HealthURL, cfg.RequestTimeout),
	}
	w.breaker = resilience.New(resilience.Config{
		MaxFailures:   cfg.FailThreshold,
		Timeout:       cfg.CheckInterval,
		HalfOpenMax:   1,
		OnStateChange: w.onStateChange,
	})
	return w
}

// Run polls until ctx is cancelled. It never returns an error itself;
// hardware-level trip failures are logged, not propagated, since there
// is no supervisor above the watchdog to hand them to.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one health probe through the breaker. ErrCircuitOpen means
// the breaker is already tripped and not yet due for its next
// half-open probe; there is nothing new to report.
func (w *Watchdog) poll(ctx context.Context) {
	err := w.breaker.Execute(ctx, func() error {
		result := w.check(ctx)
		if result != nil && result.Status == "healthy" {
			return nil
		}
		return errHealthCheckFailed
	})
	if err == nil || errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	if w.log != nil {
		w.log.WithFields(map[string]interface{}{
			"state":     w.breaker.State().String(),
			"threshold": w.cfg.FailThreshold,
		}).Warn("watchdog: health check failed")
	}
}

// onStateChange is the breaker's trip/recovery hook. It runs on its
// own goroutine (see CircuitBreaker.setState), so trip's hardware
// writes never block the poll loop that observed the transition.
func (w *Watchdog) onStateChange(from, to resilience.State) {
	switch to {
	case resilience.StateOpen:
		w.trip()
	case resilience.StateClosed:
		if w.log != nil {
			w.log.Info(context.Background(), "watchdog: main process recovered", nil)
		}
	}
}

// trip forces every registered line to its safe level. The breaker
// only calls this once per open transition, so no separate idempotency
// guard is needed here, but every write is safe to repeat regardless:
// lowering an already-low line is a no-op at the hardware level.
func (w *Watchdog) trip() {
	for _, l := range w.lines {
		level := l.Polarity.Apply(false)
		if err := l.Handle.Set(level); err != nil && w.log != nil {
			w.log.WithError(err).WithFields(map[string]interface{}{"line": l.Name}).
				Error("watchdog: failed to force line safe")
			continue
		}
		if w.log != nil {
			w.log.WithFields(map[string]interface{}{"line": l.Name}).Warn("watchdog: forced line to safe state")
		}
	}
}

// ProbeOnce runs a single health check and reports whether it passed,
// for use by a readiness endpoint or a one-shot CLI diagnostic.
func (w *Watchdog) ProbeOnce(ctx context.Context) bool {
	result := w.check(ctx)
	return result != nil && result.Status == "healthy"
}
