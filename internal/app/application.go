// Package app wires the claw machine's components into a running
// system: storage, the Actuator Controller, Queue Manager, Turn State
// Machine, Broadcast Hub, and Control Session registry.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/metrics"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/broadcast"
	"github.com/clawline/clawctl/internal/app/control"
	"github.com/clawline/clawctl/internal/app/queuemgr"
	"github.com/clawline/clawctl/internal/app/storage"
	"github.com/clawline/clawctl/internal/app/storage/memory"
	"github.com/clawline/clawctl/internal/app/storage/postgres"
	"github.com/clawline/clawctl/internal/app/turnsm"
	"github.com/clawline/clawctl/internal/config"
	"github.com/clawline/clawctl/internal/platform/database"
	"github.com/clawline/clawctl/internal/platform/migrations"
)

// Application is the composition root: every long-lived component the
// process owns, constructed once at startup and torn down once at
// shutdown, in the order the concurrency model requires.
type Application struct {
	Config *config.Config
	Log    *logging.Logger

	DB       *sql.DB
	Stores   storage.Stores
	Actuator *actuator.Controller
	Queue    *queuemgr.Manager
	Machine  *turnsm.Machine
	Hub      *broadcast.Hub
	Registry *control.Registry

	winPoller *actuator.WinPoller
	lines     actuator.Lines
}

// Build constructs every component but does not start any background
// goroutines beyond what the constructors themselves start (the
// Actuator's and Turn Machine's single-worker loops, and the
// Broadcast Hub's keepalive loop, all start immediately — this
// matches how the rest of the tree treats those as always-on workers,
// not services with a separate Start phase).
func Build(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	stores, db, err := buildStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	lines, err := buildLines(cfg)
	if err != nil {
		return nil, fmt.Errorf("build actuator lines: %w", err)
	}

	act := actuator.New(actuator.Config{
		PulseDuration:     time.Duration(cfg.CoinPulseMs) * time.Millisecond,
		CoinSettle:        time.Duration(cfg.CoinSettleMs) * time.Millisecond,
		MinInterPulse:     time.Duration(cfg.MinInterPulseMs) * time.Millisecond,
		DirectionHoldMax:  time.Duration(cfg.DirectionHoldMaxMs) * time.Millisecond,
		ConflictMode:      actuator.ConflictMode(cfg.DirectionConflict),
		CoinPolarity:      actuator.Polarity(cfg.CoinPinPolarityHigh),
		DropPolarity:      actuator.Polarity(cfg.DropPinPolarityHigh),
		DirectionPolarity: actuator.Polarity(cfg.DirectionPinPolarityHigh),
	}, lines, log)

	qm := queuemgr.New(queuemgr.Config{
		TokenSalt:        cfg.TokenSalt,
		StaleWindow:      time.Duration(cfg.TurnTimeSeconds*2) * time.Second,
		ForceStaleOnBoot: true,
	}, stores, log)

	registry := control.NewRegistry()
	notify := &control.Notifier{Registry: registry}
	hub := broadcast.New(broadcast.Config{
		MaxStatusViewers:  cfg.MaxStatusViewers,
		SendTimeout:       time.Duration(cfg.StatusSendTimeoutS) * time.Second,
		KeepaliveInterval: 15 * time.Second,
	}, log)

	machine := turnsm.New(turnsm.Config{
		ReadyPromptSeconds:     cfg.ReadyPromptSeconds,
		TryMoveSeconds:         cfg.TryMoveSeconds,
		TurnTimeSeconds:        cfg.TurnTimeSeconds,
		PostDropWaitSeconds:    cfg.PostDropWaitSeconds,
		TriesPerPlayer:         cfg.TriesPerPlayer,
		CoinPerTry:             cfg.CoinPerTry,
		DisconnectGraceSeconds: cfg.DisconnectGraceSeconds,
	}, act, qm, stores.Event, hub, notify, log)

	if metrics.Enabled() {
		m := metrics.Init("clawctl-server")
		act.SetMetrics(m)
		machine.SetMetrics(m)
	}

	winSensor, err := actuator.NewSysfsInputHandle(cfg.WinSensorPin)
	if err != nil {
		return nil, fmt.Errorf("build win sensor handle: %w", err)
	}
	poller := actuator.NewWinPoller(winSensor, actuator.Polarity(cfg.WinSensorPullHigh),
		20*time.Millisecond, time.Duration(cfg.WinSensorDebounceMs)*time.Millisecond, act)

	if n, err := qm.CleanupStale(ctx); err != nil {
		log.WithError(err).Error("application: startup stale-entry reconciliation failed")
	} else if n > 0 {
		log.WithFields(map[string]interface{}{"count": n}).Info("application: reconciled stale entries from a prior run")
	}

	return &Application{
		Config: cfg, Log: log, DB: db, Stores: stores,
		Actuator: act, Queue: qm, Machine: machine, Hub: hub, Registry: registry,
		winPoller: poller, lines: lines,
	}, nil
}

func buildStores(ctx context.Context, cfg *config.Config, log *logging.Logger) (storage.Stores, *sql.DB, error) {
	if cfg.DBDSN == "" {
		log.Warn(ctx, "application: no database_dsn configured, using in-memory storage (state does not survive a restart)", nil)
		return memory.New().Stores(), nil, nil
	}

	db, err := database.Open(ctx, cfg.DBDSN)
	if err != nil {
		return storage.Stores{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return storage.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return postgres.New(db).Stores(), db, nil
}

func buildLines(cfg *config.Config) (actuator.Lines, error) {
	coin, err := newHandle(cfg.CoinPin)
	if err != nil {
		return actuator.Lines{}, err
	}
	drop, err := newHandle(cfg.DropPin)
	if err != nil {
		return actuator.Lines{}, err
	}
	dirs := map[actuator.Direction]int{
		actuator.North: cfg.NorthPin, actuator.South: cfg.SouthPin,
		actuator.East: cfg.EastPin, actuator.West: cfg.WestPin,
	}
	directions := make(map[actuator.Direction]actuator.Handle, len(dirs))
	for dir, pin := range dirs {
		h, err := newHandle(pin)
		if err != nil {
			return actuator.Lines{}, err
		}
		directions[dir] = h
	}
	return actuator.Lines{Coin: coin, Drop: drop, Directions: directions}, nil
}

func newHandle(pin int) (actuator.Handle, error) {
	return actuator.NewSysfsHandle(pin)
}

// Run starts the win poller and blocks until ctx is cancelled, then
// performs the shutdown sequence: stop accepting new commands, force
// an emergency stop, and drain the durable stores' connection.
func (a *Application) Run(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.winPoller.Run(pollCtx)

	// Pick up anyone already waiting from a prior run. Every future
	// admission also calls Advance after Join; this is only needed for
	// the boot case where the queue was non-empty before any new join.
	a.Machine.Advance(ctx)

	<-ctx.Done()
	a.Shutdown(context.Background())
}

// Shutdown performs the ordered teardown: cancel timers (implicit in
// stopping the machine and actuator workers), force every output to
// its safe state, then close the persistence connection.
func (a *Application) Shutdown(ctx context.Context) {
	a.Machine.Stop()
	a.Actuator.EmergencyStop(ctx)
	a.Hub.Stop()
	a.Actuator.Stop()
	if a.DB != nil {
		a.DB.Close()
	}
}
