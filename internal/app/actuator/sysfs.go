package actuator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SysfsHandle drives a line through the Linux sysfs GPIO interface
// (/sys/class/gpio/gpioN/...). It is the fallback concrete Handle used
// when no richer GPIO driver is available: export/value are plain
// file writes, which the standard library covers completely, so no
// third-party GPIO library is pulled in for what is ultimately three
// file operations per line.
type SysfsHandle struct {
	pin       int
	valuePath string
}

// NewSysfsHandle exports pin (if not already exported) and returns an
// output Handle bound to it, for the relay-driven lines (coin, drop,
// directions).
func NewSysfsHandle(pin int) (*SysfsHandle, error) {
	return newSysfsHandle(pin, "out")
}

// NewSysfsInputHandle exports pin as an input, for the win sensor.
// Exporting an input line as "out" would make its value file reflect
// only the last value this process wrote, never the external signal,
// so the sensor would never observe a real hardware transition.
func NewSysfsInputHandle(pin int) (*SysfsHandle, error) {
	return newSysfsHandle(pin, "in")
}

func newSysfsHandle(pin int, direction string) (*SysfsHandle, error) {
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(fmt.Sprintf("%d", pin)), 0644); err != nil {
			return nil, fmt.Errorf("export gpio%d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "direction"), []byte(direction), 0644); err != nil {
		return nil, fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	return &SysfsHandle{pin: pin, valuePath: filepath.Join(base, "value")}, nil
}

// Set drives the pin high or low.
func (h *SysfsHandle) Set(high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return os.WriteFile(h.valuePath, []byte(v), 0644)
}

// Get reads the pin's current level.
func (h *SysfsHandle) Get() (bool, error) {
	data, err := os.ReadFile(h.valuePath)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// Close unexports the pin.
func (h *SysfsHandle) Close() error {
	return os.WriteFile("/sys/class/gpio/unexport", []byte(fmt.Sprintf("%d", h.pin)), 0644)
}
