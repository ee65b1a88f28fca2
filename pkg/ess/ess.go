package ess

import (
	"context"
	"fmt"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/types"
)

// ErrNotConfigured is returned by every operation when no battery system is
// configured.
var ErrNotConfigured = fmt.Errorf("no battery system: %w", controller.ErrActuatorMissing)

// Handlers receive commands and readings pushed by the battery side.
// Nil handlers are skipped.
type Handlers struct {
	SOC     func(soc float64)
	Target  func(target float64)
	Control func(enabled bool)
}

// System defines the interface for the battery whose charge window is
// controlled.
type System interface {
	// GetStatus returns the latest known battery reading.
	GetStatus(ctx context.Context) (types.BatteryStatus, error)

	// SetChargeWindow writes the start and end of the charge window.
	SetChargeWindow(ctx context.Context, setting types.WindowSetting) error

	// Subscribe installs the handlers for pushed readings and commands. It
	// must be called before Start.
	Subscribe(h Handlers)

	// Start connects to the system.
	Start(ctx context.Context) error

	// Close disconnects from the system.
	Close() error
}

type unconfigured struct{}

func (unconfigured) GetStatus(context.Context) (types.BatteryStatus, error) {
	return types.BatteryStatus{}, ErrNotConfigured
}

func (unconfigured) SetChargeWindow(context.Context, types.WindowSetting) error {
	return ErrNotConfigured
}

func (unconfigured) Subscribe(Handlers) {}

func (unconfigured) Start(context.Context) error { return nil }

func (unconfigured) Close() error { return nil }

// AsMQTT returns the MQTT bridge behind s, if that is what s is.
func AsMQTT(s System) (*MQTT, bool) {
	if w, ok := s.(*struct{ System }); ok {
		s = w.System
	}
	m, ok := s.(*MQTT)
	return m, ok
}
