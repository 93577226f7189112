// Package turnsm implements the Turn State Machine: the single
// serialized core that owns the in-memory Turn Context and drives
// every transition in idle/ready_prompt/moving/dropping/post_drop/
// turn_end. Every public method submits a closure to one goroutine,
// so transitions, timer firings, and disconnect handling are always
// applied in a single total order and deadlines race fairly.
package turnsm

import (
	"context"
	"fmt"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/metrics"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/domain/event"
	"github.com/clawline/clawctl/internal/app/domain/queue"
	"github.com/clawline/clawctl/internal/app/domain/turn"
	"github.com/clawline/clawctl/internal/app/queuemgr"
	"github.com/clawline/clawctl/internal/app/storage"
)

// States, mirrored as constants for readability at call sites.
const (
	StateIdle        = "idle"
	StateReadyPrompt = "ready_prompt"
	StateMoving      = "moving"
	StateDropping    = "dropping"
	StatePostDrop    = "post_drop"
	StateTurnEnd     = "turn_end"
)

// StateUpdate is the client-facing single source of truth for
// countdown rendering: both seconds-left fields are always derived
// from the two deadlines, never tracked independently.
type StateUpdate struct {
	EntryID          string
	State            string
	StateSecondsLeft int
	TurnSecondsLeft  int
	CurrentTry       int
	MaxTries         int
}

// Broadcaster fans a snapshot out to every spectator session.
type Broadcaster interface {
	PublishQueueUpdate(ctx context.Context, waiting, active int)
	PublishStateUpdate(ctx context.Context, snapshot StateUpdate)
	PublishTurnEnd(ctx context.Context, entryID string, result queue.Result)
}

// Notifier delivers a message to one player's control session.
type Notifier interface {
	ReadyPrompt(ctx context.Context, entryID string, secondsLeft int)
	StateUpdate(ctx context.Context, entryID string, snapshot StateUpdate)
	TurnEnd(ctx context.Context, entryID string, result queue.Result)
}

// Config holds the timing and rule tuneables read at startup.
type Config struct {
	ReadyPromptSeconds     int
	TryMoveSeconds         int
	TurnTimeSeconds        int
	PostDropWaitSeconds    int
	TriesPerPlayer         int
	CoinPerTry             bool
	DisconnectGraceSeconds int
}

// Machine is the Turn State Machine.
type Machine struct {
	cfg       Config
	actuator  *actuator.Controller
	queue     *queuemgr.Manager
	events    storage.EventStore
	broadcast Broadcaster
	notify    Notifier
	log       *logging.Logger
	metrics   *metrics.Metrics

	cmds chan func()
	done chan struct{}

	turnCtx *turn.Context

	phaseGen uint64
	hardGen  uint64
	dropDone bool

	disconnectTimer *time.Timer
	disconnectGen   uint64

	paused bool
}

// New constructs and starts the machine's serialized core goroutine.
func New(cfg Config, act *actuator.Controller, qm *queuemgr.Manager, events storage.EventStore, broadcast Broadcaster, notify Notifier, log *logging.Logger) *Machine {
	m := &Machine{
		cfg:       cfg,
		actuator:  act,
		queue:     qm,
		events:    events,
		broadcast: broadcast,
		notify:    notify,
		log:       log,
		cmds:      make(chan func(), 32),
		done:      make(chan struct{}),
		turnCtx:   turn.New(),
	}
	go m.loop()
	return m
}

// SetMetrics attaches a metrics sink. Optional; it sets the field
// directly on the caller's goroutine, so it is called only during
// construction, before any other call reaches the machine.
func (m *Machine) SetMetrics(metricsSink *metrics.Metrics) {
	m.metrics = metricsSink
}

// setState records the new state on the Turn Context and, when a
// metrics sink is attached, the transition itself. Must only be called
// from within the serialized core goroutine.
func (m *Machine) setState(newState string) {
	from := m.turnCtx.State
	m.turnCtx.State = newState
	if m.metrics != nil && from != newState {
		m.metrics.RecordTurnTransition("turnsm", from, newState)
	}
}

func (m *Machine) loop() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.done:
			return
		}
	}
}

// Stop releases the core goroutine. Callers should EmergencyStop the
// actuator separately as part of ordered shutdown.
func (m *Machine) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Machine) run(fn func()) {
	done := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(done) }:
	case <-m.done:
		return
	}
	select {
	case <-done:
	case <-m.done:
	}
}

// Snapshot is a read-only view of the Turn Context for operator
// dashboards and recovery diagnostics.
type Snapshot struct {
	ActiveEntryID string
	CurrentTry    int
	State         string
}

// Snapshot returns the current Turn Context.
func (m *Machine) Snapshot() Snapshot {
	var s Snapshot
	m.run(func() {
		s = Snapshot{ActiveEntryID: m.turnCtx.ActiveEntryID, CurrentTry: m.turnCtx.CurrentTry, State: m.turnCtx.State}
	})
	return s
}

// CanAcceptDirection reports whether entryID may currently issue
// direction/drop commands: it must be the active entry and the
// machine must be in moving.
func (m *Machine) CanAcceptDirection(entryID string) bool {
	var ok bool
	m.run(func() {
		ok = m.turnCtx.ActiveEntryID == entryID && m.turnCtx.State == StateMoving
	})
	return ok
}

// Pause stops new entries from being promoted out of idle. The
// current turn, if any, runs to completion; no waiting entry is
// promoted until Resume is called.
func (m *Machine) Pause(ctx context.Context) {
	m.run(func() { m.paused = true })
}

// Resume clears the pause flag and immediately attempts to promote the
// next waiting entry, if one exists and the machine is idle.
func (m *Machine) Resume(ctx context.Context) {
	m.run(func() {
		m.paused = false
		m.advanceLocked(ctx)
	})
}

// Paused reports whether admission into new turns is currently halted.
func (m *Machine) Paused() bool {
	var p bool
	m.run(func() { p = m.paused })
	return p
}

// UpdateTiming swaps the timing tuneables. Deadlines already armed keep
// their values; everything read from the config afterwards, including
// later tries and phases of a turn in progress, uses the new values.
func (m *Machine) UpdateTiming(cfg Config) {
	m.run(func() { m.cfg = cfg })
}

// Advance promotes the next waiting entry to ready_prompt, if the
// machine is idle and a waiting entry exists.
func (m *Machine) Advance(ctx context.Context) {
	m.run(func() { m.advanceLocked(ctx) })
}

func (m *Machine) advanceLocked(ctx context.Context) {
	if m.turnCtx.ActiveEntryID != "" || m.paused {
		return
	}
	next, err := m.queue.PeekNextWaiting(ctx)
	if err != nil {
		m.log.WithError(err).Error("advance: peek_next_waiting failed")
		return
	}
	if next == nil {
		return
	}

	if err := m.queue.SetState(ctx, next.ID, queue.StateReady); err != nil {
		m.log.WithError(err).Error("advance: set_state ready failed")
		return
	}

	m.turnCtx.ActiveEntryID = next.ID
	m.setState(StateReadyPrompt)
	m.armPhaseDeadline(ctx, time.Duration(m.cfg.ReadyPromptSeconds)*time.Second)

	m.emit(ctx, next.ID, event.TypeReadyPrompt, "{}")
	m.notify.ReadyPrompt(ctx, next.ID, m.cfg.ReadyPromptSeconds)
	m.publishStateUpdate(ctx)
	m.publishQueueUpdate(ctx)
}

// ReadyConfirm handles a player's acknowledgement of their ready
// prompt. Ignored unless in ready_prompt and from the matching entry.
func (m *Machine) ReadyConfirm(ctx context.Context, entryID string) {
	m.run(func() {
		if m.turnCtx.State != StateReadyPrompt || m.turnCtx.ActiveEntryID != entryID {
			return
		}
		if err := m.queue.SetState(ctx, entryID, queue.StateActive); err != nil {
			m.failTurn(ctx, err)
			return
		}
		m.armHardDeadline(ctx, time.Duration(m.cfg.TurnTimeSeconds)*time.Second)
		m.turnCtx.CurrentTry = 0
		m.tryStart(ctx)
	})
}

// tryStart must be called with the core goroutine already owning the
// transition; it is not itself a public entry point.
func (m *Machine) tryStart(ctx context.Context) {
	entryID := m.turnCtx.ActiveEntryID
	m.turnCtx.CurrentTry++
	m.dropDone = false

	if m.cfg.CoinPerTry {
		// Pulse blocks until the actuator's own worker has finished the
		// coin pulse and its post-pulse settle hold; the wait happens on
		// that dedicated executor, not here.
		if err := m.actuator.Pulse(ctx, actuator.Coin); err != nil {
			m.failTurn(ctx, err)
			return
		}
	}

	m.setState(StateMoving)
	m.armPhaseDeadline(ctx, time.Duration(m.cfg.TryMoveSeconds)*time.Second)

	if err := m.persistDeadlines(ctx); err != nil {
		m.failTurn(ctx, err)
		return
	}

	m.emit(ctx, entryID, event.TypeMoveStart, fmt.Sprintf(`{"try":%d}`, m.turnCtx.CurrentTry))
	m.publishStateUpdate(ctx)
}

// WinTriggered is called from the actuator's win-sensor callback.
// Outside post_drop the signal is untrusted and only logged.
func (m *Machine) WinTriggered(ctx context.Context) {
	m.run(func() {
		if m.turnCtx.State != StatePostDrop {
			if m.log != nil {
				m.log.WithFields(map[string]interface{}{"state": m.turnCtx.State}).Info("win signal outside post_drop ignored")
			}
			return
		}
		entryID := m.turnCtx.ActiveEntryID
		m.actuator.UnregisterWinCallbacks()
		m.cancelPhaseDeadline()
		m.emit(ctx, entryID, event.TypeWin, "{}")
		m.finalize(ctx, entryID, queue.ResultWin)
	})
}

// DropPress and DropRelease both funnel to the single drop trigger;
// dropDone guards against the transition firing twice per try.
func (m *Machine) DropPress(ctx context.Context, entryID string) { m.triggerDrop(ctx, entryID) }
func (m *Machine) DropRelease(ctx context.Context, entryID string) { m.triggerDrop(ctx, entryID) }

func (m *Machine) triggerDrop(ctx context.Context, entryID string) {
	m.run(func() {
		if m.turnCtx.State != StateMoving || m.turnCtx.ActiveEntryID != entryID || m.dropDone {
			return
		}
		m.enterDropping(ctx)
	})
}

func (m *Machine) enterDropping(ctx context.Context) {
	m.dropDone = true
	m.cancelPhaseDeadline()
	entryID := m.turnCtx.ActiveEntryID
	m.setState(StateDropping)

	if err := m.actuator.AllDirectionsOff(ctx); err != nil {
		m.failTurn(ctx, err)
		return
	}
	if err := m.actuator.Pulse(ctx, actuator.Drop); err != nil {
		m.failTurn(ctx, err)
		return
	}

	m.setState(StatePostDrop)
	m.armPhaseDeadline(ctx, time.Duration(m.cfg.PostDropWaitSeconds)*time.Second)
	if err := m.persistDeadlines(ctx); err != nil {
		m.failTurn(ctx, err)
		return
	}
	m.actuator.RegisterWinCallback(func() { m.WinTriggered(ctx) })

	m.emit(ctx, entryID, event.TypeDrop, "{}")
	m.publishStateUpdate(ctx)
}

// Disconnect releases all held directions immediately and starts the
// disconnect grace timer for the active entry.
func (m *Machine) Disconnect(ctx context.Context, entryID string) {
	m.run(func() {
		if m.turnCtx.ActiveEntryID != entryID || m.turnCtx.ActiveEntryID == "" {
			return
		}
		_ = m.actuator.AllDirectionsOff(ctx)
		m.emit(ctx, entryID, event.TypeDisconnect, "{}")

		m.disconnectGen++
		gen := m.disconnectGen
		if m.disconnectTimer != nil {
			m.disconnectTimer.Stop()
		}
		grace := time.Duration(m.cfg.DisconnectGraceSeconds) * time.Second
		m.disconnectTimer = time.AfterFunc(grace, func() {
			m.run(func() {
				if gen != m.disconnectGen {
					return
				}
				m.disconnectGraceExpiredLocked(ctx, entryID)
			})
		})
	})
}

// Reconnect cancels a pending disconnect grace timer for entryID.
func (m *Machine) Reconnect(ctx context.Context, entryID string) {
	m.run(func() {
		if m.turnCtx.ActiveEntryID != entryID {
			return
		}
		m.disconnectGen++
		if m.disconnectTimer != nil {
			m.disconnectTimer.Stop()
			m.disconnectTimer = nil
		}
		m.emit(ctx, entryID, event.TypeReconnect, "{}")
	})
}

func (m *Machine) disconnectGraceExpiredLocked(ctx context.Context, entryID string) {
	if m.turnCtx.ActiveEntryID != entryID {
		return
	}
	m.cancelPhaseDeadline()
	m.cancelHardDeadline()
	m.finalize(ctx, entryID, queue.ResultExpired)
}

// AdminForceEnd ends the current turn immediately with the given
// result, for the operator's advance/kick actions.
func (m *Machine) AdminForceEnd(ctx context.Context, result queue.Result) {
	m.run(func() {
		if m.turnCtx.ActiveEntryID == "" {
			return
		}
		entryID := m.turnCtx.ActiveEntryID
		m.cancelPhaseDeadline()
		m.cancelHardDeadline()
		m.actuator.UnregisterWinCallbacks()
		m.emit(ctx, entryID, event.TypeAdminAction, fmt.Sprintf(`{"result":%q}`, result))
		m.finalize(ctx, entryID, result)
	})
}

// --- deadline scheduling ---

func (m *Machine) armPhaseDeadline(ctx context.Context, d time.Duration) {
	m.phaseGen++
	gen := m.phaseGen
	deadline := time.Now().Add(d)
	m.turnCtx.PhaseDeadline = turn.Deadline{At: deadline, Set: true}
	time.AfterFunc(d, func() {
		m.run(func() { m.onPhaseDeadline(ctx, gen) })
	})
}

func (m *Machine) cancelPhaseDeadline() {
	m.phaseGen++
	m.turnCtx.PhaseDeadline = turn.Deadline{}
}

func (m *Machine) armHardDeadline(ctx context.Context, d time.Duration) {
	m.hardGen++
	gen := m.hardGen
	deadline := time.Now().Add(d)
	m.turnCtx.HardTurnDeadline = turn.Deadline{At: deadline, Set: true}
	time.AfterFunc(d, func() {
		m.run(func() { m.onHardDeadline(ctx, gen) })
	})
}

func (m *Machine) cancelHardDeadline() {
	m.hardGen++
	m.turnCtx.HardTurnDeadline = turn.Deadline{}
}

func (m *Machine) onHardDeadline(ctx context.Context, gen uint64) {
	if gen != m.hardGen || m.turnCtx.ActiveEntryID == "" {
		return
	}
	entryID := m.turnCtx.ActiveEntryID
	m.cancelPhaseDeadline()
	m.actuator.UnregisterWinCallbacks()
	m.finalize(ctx, entryID, queue.ResultExpired)
}

func (m *Machine) onPhaseDeadline(ctx context.Context, gen uint64) {
	if gen != m.phaseGen {
		return
	}
	switch m.turnCtx.State {
	case StateReadyPrompt:
		entryID := m.turnCtx.ActiveEntryID
		m.cancelHardDeadline()
		m.finalize(ctx, entryID, queue.ResultSkipped)
	case StateMoving:
		if !m.dropDone {
			m.enterDropping(ctx)
		}
	case StatePostDrop:
		entryID := m.turnCtx.ActiveEntryID
		m.actuator.UnregisterWinCallbacks()
		if m.turnCtx.CurrentTry < m.cfg.TriesPerPlayer {
			m.emit(ctx, entryID, event.TypeTryEnd, "{}")
			m.tryStart(ctx)
		} else {
			m.finalize(ctx, entryID, queue.ResultLoss)
		}
	}
}

// finalize persists the terminal result, clears every output, emits
// the turn_end broadcast, zeroes the Turn Context, and immediately
// attempts to advance the next waiting entry.
func (m *Machine) finalize(ctx context.Context, entryID string, result queue.Result) {
	m.setState(StateTurnEnd)
	m.cancelPhaseDeadline()
	m.cancelHardDeadline()
	if m.disconnectTimer != nil {
		m.disconnectTimer.Stop()
		m.disconnectTimer = nil
	}

	if err := m.queue.Complete(ctx, entryID, result, m.turnCtx.CurrentTry); err != nil {
		m.log.WithError(err).Error("finalize: persistence failed, emergency stop")
		m.actuator.EmergencyStop(ctx)
		_ = m.queue.Complete(ctx, entryID, queue.ResultError, m.turnCtx.CurrentTry)
	}
	m.emit(ctx, entryID, event.TypeTurnEnd, fmt.Sprintf(`{"result":%q}`, result))

	m.actuator.EmergencyStop(ctx)
	m.actuator.Unlock()

	m.notify.TurnEnd(ctx, entryID, result)
	m.broadcast.PublishTurnEnd(ctx, entryID, result)
	m.publishQueueUpdate(ctx)

	m.turnCtx.Reset()
	m.setState(StateIdle)
	m.advanceLocked(ctx)
}

// failTurn handles a hardware or persistence error surfaced mid
// transition: it locks the actuator and finalizes the turn as error.
func (m *Machine) failTurn(ctx context.Context, err error) {
	entryID := m.turnCtx.ActiveEntryID
	if m.log != nil {
		m.log.WithError(err).Error("turn failed, forcing emergency stop")
	}
	m.actuator.EmergencyStop(ctx)
	if entryID == "" {
		return
	}
	m.finalize(ctx, entryID, queue.ResultError)
}

func (m *Machine) persistDeadlines(ctx context.Context) error {
	var tryMoveEndAt, turnEndAt *time.Time
	if m.turnCtx.PhaseDeadline.Set {
		t := m.turnCtx.PhaseDeadline.At
		tryMoveEndAt = &t
	}
	if m.turnCtx.HardTurnDeadline.Set {
		t := m.turnCtx.HardTurnDeadline.At
		turnEndAt = &t
	}
	return m.queue.SetTurnDeadlines(ctx, m.turnCtx.ActiveEntryID, tryMoveEndAt, turnEndAt)
}

func (m *Machine) publishStateUpdate(ctx context.Context) {
	now := time.Now()
	snap := StateUpdate{
		EntryID:          m.turnCtx.ActiveEntryID,
		State:            m.turnCtx.State,
		StateSecondsLeft: turn.SecondsLeft(m.turnCtx.PhaseDeadline, now),
		TurnSecondsLeft:  turn.SecondsLeft(m.turnCtx.HardTurnDeadline, now),
		CurrentTry:       m.turnCtx.CurrentTry,
		MaxTries:         m.cfg.TriesPerPlayer,
	}
	m.notify.StateUpdate(ctx, m.turnCtx.ActiveEntryID, snap)
	m.broadcast.PublishStateUpdate(ctx, snap)
}

// publishQueueUpdate fans the current waiting/active counts out to
// spectators and, when a metrics sink is attached, the queue length
// gauge.
func (m *Machine) publishQueueUpdate(ctx context.Context) {
	waiting, active, err := m.queue.Status(ctx)
	if err != nil {
		return
	}
	m.broadcast.PublishQueueUpdate(ctx, waiting, active)
	if m.metrics != nil {
		m.metrics.SetQueueLength(waiting)
	}
}

func (m *Machine) emit(ctx context.Context, entryID string, typ event.Type, detailJSON string) {
	if m.events == nil {
		return
	}
	err := m.events.Append(ctx, &event.Event{EntryID: entryID, Type: typ, DetailJSON: detailJSON, CreatedAt: time.Now().UTC()})
	if err != nil && m.log != nil {
		m.log.WithError(err).Warn("event append failed")
	}
}
