// Package actuator drives the physical claw rig: the coin pulse relay,
// the four direction-hold relays, the drop pulse relay, and the win
// sensor input. Every blocking call runs on a single dedicated worker
// so hardware commands never interleave regardless of how many
// goroutines call in concurrently.
package actuator

// Handle is the minimal GPIO line abstraction the controller drives.
// A line is either a digital output (relay coil) or a digital input
// (win sensor, read via edge detection in the poller).
type Handle interface {
	// Set drives the line high or low, after polarity inversion.
	Set(high bool) error
	// Get reads the current line level, after polarity inversion.
	Get() (bool, error)
	// Close releases the underlying pin claim.
	Close() error
}

// Polarity describes whether a relay's physical "active" level is
// high or low. Claw rigs wired through opto-isolated relay boards are
// very often active-low; Controller corrects for it so the rest of
// the system only ever reasons in active/inactive terms.
type Polarity bool

const (
	ActiveHigh Polarity = true
	ActiveLow  Polarity = false
)

func (p Polarity) apply(active bool) bool {
	if p == ActiveHigh {
		return active
	}
	return !active
}

// Apply exports the active/inactive-to-physical-level translation for
// callers outside this package that must drive a line directly (the
// Watchdog's safe-state primitive, which cannot go through Controller).
func (p Polarity) Apply(active bool) bool {
	return p.apply(active)
}

func (p Polarity) resolve(level bool) bool {
	if p == ActiveHigh {
		return level
	}
	return !level
}
