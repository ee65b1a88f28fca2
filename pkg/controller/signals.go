package controller

import (
	"context"

	"github.com/raterudder/chargewindow/pkg/types"
)

// Signals are the typed events flowing between the HTTP API, the battery
// system, the engine and the controller. Each channel is buffered so that
// producers never wait on a busy consumer.
//
// The controller consumes PlanReplaced and ControlToggled. SOCChanged and
// TargetChanged are consumed by the engine, which recomputes the plan.
type Signals struct {
	PlanReplaced   chan types.ChargePlan
	ControlToggled chan bool
	SOCChanged     chan float64
	TargetChanged  chan float64
}

// NewSignals returns a Signals with all channels allocated.
func NewSignals() *Signals {
	return &Signals{
		PlanReplaced:   make(chan types.ChargePlan, 1),
		ControlToggled: make(chan bool, 8),
		SOCChanged:     make(chan float64, 1),
		TargetChanged:  make(chan float64, 1),
	}
}

// SendLatest puts v on ch without blocking. If the buffer is full the oldest
// value is discarded so the consumer always sees the newest.
func SendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// send blocks until v is accepted or ctx is done. Toggles are never coalesced.
func send[T any](ctx context.Context, ch chan T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
