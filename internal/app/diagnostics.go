package app

import (
	"context"

	core "github.com/clawline/clawctl/internal/app/core/service"
	"github.com/clawline/clawctl/internal/app/system"
)

// serviceAdapter exposes one subsystem of the Application as a
// system.Service/DescriptorProvider pair without asking that
// subsystem's own Start/Stop methods to match the generic interface's
// signatures (each already has its own, more specific, lifecycle
// methods used by Build/Run/Shutdown).
type serviceAdapter struct {
	name  string
	desc  core.Descriptor
	start func(context.Context) error
	stop  func(context.Context) error
}

func (a serviceAdapter) Name() string                   { return a.name }
func (a serviceAdapter) Descriptor() core.Descriptor     { return a.desc }
func (a serviceAdapter) Start(ctx context.Context) error { return a.start(ctx) }
func (a serviceAdapter) Stop(ctx context.Context) error  { return a.stop(ctx) }

var _ system.Service = serviceAdapter{}
var _ system.DescriptorProvider = serviceAdapter{}

// Services describes every lifecycle-managed subsystem this
// Application owns, for the operator diagnostics surface. It does not
// duplicate Build/Run/Shutdown's own control flow; it is read-only
// metadata plus a Stop path an operator tool can invoke directly.
func (a *Application) Services() []system.Service {
	noop := func(context.Context) error { return nil }
	return []system.Service{
		serviceAdapter{
			name:  "actuator",
			desc:  core.Descriptor{Name: "actuator", Domain: "clawctl", Layer: core.LayerAdapter}.WithCapabilities("coin", "drop", "direction-hold"),
			start: noop,
			stop:  func(context.Context) error { a.Actuator.Stop(); return nil },
		},
		serviceAdapter{
			name:  "turnsm",
			desc:  core.Descriptor{Name: "turnsm", Domain: "clawctl", Layer: core.LayerEngine}.WithCapabilities("turn-lifecycle", "deadline-timers"),
			start: noop,
			stop:  func(context.Context) error { a.Machine.Stop(); return nil },
		},
		serviceAdapter{
			name:  "broadcast",
			desc:  core.Descriptor{Name: "broadcast", Domain: "clawctl", Layer: core.LayerIngress}.WithCapabilities("spectator-fanout"),
			start: noop,
			stop:  func(context.Context) error { a.Hub.Stop(); return nil },
		},
		serviceAdapter{
			name:  "queue",
			desc:  core.Descriptor{Name: "queue", Domain: "clawctl", Layer: core.LayerData}.WithCapabilities("admission", "persistence"),
			start: noop,
			stop:  noop,
		},
	}
}

// ServiceDescriptors reports the sorted, layer-ordered view of every
// subsystem Services enumerates, for the operator diagnostics endpoint.
func (a *Application) ServiceDescriptors() []core.Descriptor {
	services := a.Services()
	providers := make([]system.DescriptorProvider, 0, len(services))
	for _, svc := range services {
		if dp, ok := svc.(system.DescriptorProvider); ok {
			providers = append(providers, dp)
		}
	}
	return system.CollectDescriptors(providers)
}
