package system

import (
	"context"

	core "github.com/clawline/clawctl/internal/app/core/service"
)

// Service represents a lifecycle-managed component. Application.Services
// reports the core components through this interface (via an adapter in
// internal/app/diagnostics.go) for the operator diagnostics surface; no
// code in this tree starts or stops components through it.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
