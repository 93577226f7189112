package actuator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawline/clawctl/infrastructure/errors"
	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/metrics"
	"github.com/clawline/clawctl/infrastructure/resilience"
)

// Direction is one of the four hold outputs.
type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	East  Direction = "east"
	West  Direction = "west"
)

func (d Direction) opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return ""
}

// PulseName is one of the two momentary outputs.
type PulseName string

const (
	Coin PulseName = "coin"
	Drop PulseName = "drop"
)

// ConflictMode governs what direction_on does when the opposing
// direction is already held.
type ConflictMode string

const (
	ConflictIgnoreNew ConflictMode = "ignore_new"
	ConflictReplace   ConflictMode = "replace"
)

// Config is the set of tuneables read at startup; ranges are
// validated by internal/config before reaching the controller.
type Config struct {
	PulseDuration      time.Duration
	CoinSettle         time.Duration
	MinInterPulse      time.Duration
	DirectionHoldMax   time.Duration
	ConflictMode       ConflictMode
	CoinPolarity       Polarity
	DropPolarity       Polarity
	DirectionPolarity  Polarity
}

// Lines is the set of physical handles the controller drives. All
// four directions must be provided; Coin and Drop are the two pulse
// outputs; WinSensor is polled by an external poller that calls
// TriggerWin.
type Lines struct {
	Coin       Handle
	Drop       Handle
	Directions map[Direction]Handle
}

// Controller owns every output line and serializes access to them
// through a single worker goroutine, so pulses and holds issued from
// concurrent callers never race on the underlying hardware.
type Controller struct {
	cfg     Config
	lines   Lines
	log     *logging.Logger
	retry   resilience.RetryConfig
	metrics *metrics.Metrics

	cmds chan func()

	mu             sync.Mutex
	locked         bool
	held           map[Direction]bool
	holdTimers     map[Direction]*time.Timer
	lastPulse      map[PulseName]time.Time
	winCallbacks   []func()

	closeOnce sync.Once
	done      chan struct{}
}

// New starts the controller's worker goroutine. Stop must be called
// to release it.
func New(cfg Config, lines Lines, log *logging.Logger) *Controller {
	if cfg.MinInterPulse <= 0 {
		cfg.MinInterPulse = 500 * time.Millisecond
	}
	c := &Controller{
		cfg:        cfg,
		lines:      lines,
		log:        log,
		retry:      resilience.RetryConfig{MaxAttempts: 2, InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.1},
		cmds:       make(chan func(), 16),
		held:       make(map[Direction]bool),
		holdTimers: make(map[Direction]*time.Timer),
		lastPulse:  make(map[PulseName]time.Time),
		done:       make(chan struct{}),
	}
	go c.worker()
	return c
}

// worker is the sole goroutine that ever touches a Handle. Every
// public method submits a closure here and blocks on its result, so
// hardware commands from different callers are always serialized.
func (c *Controller) worker() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// Stop releases the worker goroutine. It does not touch the lines;
// callers should EmergencyStop first if a safe shutdown is required.
func (c *Controller) Stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Controller) submit(fn func() error) error {
	result := make(chan error, 1)
	select {
	case c.cmds <- func() { result <- fn() }:
	case <-c.done:
		return fmt.Errorf("actuator: controller stopped")
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		return fmt.Errorf("actuator: controller stopped")
	}
}

// UpdateConflictMode changes how DirectionOn treats an opposing held
// direction. Takes effect on the next direction command.
func (c *Controller) UpdateConflictMode(mode ConflictMode) {
	c.mu.Lock()
	c.cfg.ConflictMode = mode
	c.mu.Unlock()
}

// SetMetrics attaches a metrics sink. Optional; a Controller with no
// sink attached simply skips recording.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Controller) recordCommand(command string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordActuatorCommand("actuator", command, status, time.Since(start))
}

// IsLocked reports whether the controller is in the emergency-stop
// latched state. Only Unlock clears it.
func (c *Controller) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// ActiveDirections returns the currently held directions.
func (c *Controller) ActiveDirections() []Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Direction, 0, len(c.held))
	for d, on := range c.held {
		if on {
			out = append(out, d)
		}
	}
	return out
}

// RegisterWinCallback adds a callback invoked whenever the win sensor
// poller observes a rising edge. Callbacks run on the caller's
// goroutine (the poller), not on the hardware worker.
func (c *Controller) RegisterWinCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.winCallbacks = append(c.winCallbacks, fn)
}

// UnregisterWinCallbacks clears every registered win callback, called
// when a turn ends so a stray late sensor edge cannot credit the next
// player.
func (c *Controller) UnregisterWinCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.winCallbacks = nil
}

// TriggerWin is called by the win-sensor poller on a rising edge.
func (c *Controller) TriggerWin() {
	c.mu.Lock()
	callbacks := append([]func(){}, c.winCallbacks...)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Pulse raises name for the configured pulse duration and lowers it
// again, subject to the locked state and the per-actuator cooldown.
func (c *Controller) Pulse(ctx context.Context, name PulseName) error {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return errors.ProtocolViolation("actuator is locked")
	}
	if last, ok := c.lastPulse[name]; ok && time.Since(last) < c.cfg.MinInterPulse {
		c.mu.Unlock()
		return errors.ProtocolViolation(fmt.Sprintf("%s pulse rejected: cooldown active", name))
	}
	c.mu.Unlock()

	handle, polarity := c.handleFor(name)
	settle := c.settleFor(name)
	start := time.Now()
	err := c.submit(func() error {
		return c.doPulse(ctx, handle, polarity, settle)
	})
	c.recordCommand(string(name), start, err)
	if err != nil {
		return c.fatal(err)
	}

	c.mu.Lock()
	c.lastPulse[name] = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Controller) handleFor(name PulseName) (Handle, Polarity) {
	if name == Coin {
		return c.lines.Coin, c.cfg.CoinPolarity
	}
	return c.lines.Drop, c.cfg.DropPolarity
}

// settleFor returns the post-pulse hold this PulseName needs before the
// worker accepts its next command. Only the coin mechanism needs one,
// to let an acceptor's internal mechanism register the credit before
// the move phase starts driving directions.
func (c *Controller) settleFor(name PulseName) time.Duration {
	if name == Coin {
		return c.cfg.CoinSettle
	}
	return 0
}

// doPulse runs entirely on the controller's single worker: the TSM's
// Pulse call awaits this, but it is an await on the dedicated hardware
// executor, not a sleep on the TSM's own serialized goroutine.
func (c *Controller) doPulse(ctx context.Context, h Handle, p Polarity, settle time.Duration) error {
	return resilience.Retry(ctx, c.retry, func() error {
		if err := h.Set(p.apply(true)); err != nil {
			return err
		}
		time.Sleep(c.cfg.PulseDuration)
		if err := h.Set(p.apply(false)); err != nil {
			return err
		}
		if settle > 0 {
			time.Sleep(settle)
		}
		return nil
	})
}

// DirectionOn raises dir and arms the per-direction safety timer.
// Idempotent if dir is already held.
func (c *Controller) DirectionOn(ctx context.Context, dir Direction) error {
	c.mu.Lock()
	if c.locked {
		c.mu.Unlock()
		return errors.ProtocolViolation("actuator is locked")
	}
	if c.held[dir] {
		c.mu.Unlock()
		return nil
	}
	opposite := dir.opposite()
	if c.held[opposite] {
		if c.cfg.ConflictMode == ConflictIgnoreNew {
			c.mu.Unlock()
			return errors.ProtocolViolation(fmt.Sprintf("%s rejected: %s held", dir, opposite))
		}
		c.mu.Unlock()
		if err := c.directionOff(ctx, opposite); err != nil {
			return err
		}
		c.mu.Lock()
	}
	c.mu.Unlock()

	handle := c.lines.Directions[dir]
	start := time.Now()
	err := c.submit(func() error {
		return handle.Set(c.cfg.DirectionPolarity.apply(true))
	})
	c.recordCommand(string(dir)+"_on", start, err)
	if err != nil {
		return c.fatal(err)
	}

	c.mu.Lock()
	c.held[dir] = true
	c.holdTimers[dir] = time.AfterFunc(c.cfg.DirectionHoldMax, func() {
		if c.log != nil {
			c.log.WithFields(map[string]interface{}{"direction": string(dir)}).Info("direction hold ceiling reached, force-releasing")
		}
		_ = c.DirectionOff(context.Background(), dir)
	})
	c.mu.Unlock()
	return nil
}

// DirectionOff cancels the safety timer and lowers dir. Idempotent.
func (c *Controller) DirectionOff(ctx context.Context, dir Direction) error {
	return c.directionOff(ctx, dir)
}

func (c *Controller) directionOff(ctx context.Context, dir Direction) error {
	c.mu.Lock()
	if !c.held[dir] {
		c.mu.Unlock()
		return nil
	}
	if t := c.holdTimers[dir]; t != nil {
		t.Stop()
		delete(c.holdTimers, dir)
	}
	c.mu.Unlock()

	handle := c.lines.Directions[dir]
	start := time.Now()
	err := c.submit(func() error {
		return handle.Set(c.cfg.DirectionPolarity.apply(false))
	})
	c.recordCommand(string(dir)+"_off", start, err)

	c.mu.Lock()
	c.held[dir] = false
	c.mu.Unlock()

	if err != nil {
		return c.fatal(err)
	}
	return nil
}

// AllDirectionsOff releases every currently held direction.
func (c *Controller) AllDirectionsOff(ctx context.Context) error {
	for _, dir := range []Direction{North, South, East, West} {
		if err := c.directionOff(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// EmergencyStop latches the controller into locked, cancels every
// safety timer, and lowers every output line. It never itself fails:
// individual line errors are logged and the lock is applied
// regardless, since the locked state is what matters to callers.
func (c *Controller) EmergencyStop(ctx context.Context) {
	c.mu.Lock()
	c.locked = true
	for dir, t := range c.holdTimers {
		t.Stop()
		delete(c.holdTimers, dir)
	}
	c.mu.Unlock()

	for _, dir := range []Direction{North, South, East, West} {
		handle := c.lines.Directions[dir]
		if handle == nil {
			continue
		}
		if err := c.submit(func() error { return handle.Set(c.cfg.DirectionPolarity.apply(false)) }); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(map[string]interface{}{"direction": string(dir)}).Error("emergency stop: failed to lower direction line")
		}
	}
	for _, name := range []PulseName{Coin, Drop} {
		handle, polarity := c.handleFor(name)
		if handle == nil {
			continue
		}
		if err := c.submit(func() error { return handle.Set(polarity.apply(false)) }); err != nil && c.log != nil {
			c.log.WithError(err).WithFields(map[string]interface{}{"line": string(name)}).Error("emergency stop: failed to lower pulse line")
		}
	}
	c.mu.Lock()
	for dir := range c.held {
		c.held[dir] = false
	}
	c.mu.Unlock()
}

// Unlock clears the emergency-stop latch. It does not re-energize any
// line; the caller must re-issue holds/pulses as needed.
func (c *Controller) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
}

// fatal wraps a hardware error as the closed Fatal-hardware error
// kind, per the propagation policy: hardware errors surface fatally
// to the caller, which must end the current turn with result error.
func (c *Controller) fatal(err error) error {
	if c.log != nil {
		c.log.WithError(err).Error("actuator hardware error")
	}
	return errors.HardwareFatal("actuator command", err)
}
