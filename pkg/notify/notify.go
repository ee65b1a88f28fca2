package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/raterudder/chargewindow/pkg/types"
)

// Event types.
const (
	TypePlan   = "plan"
	TypeStatus = "status"
)

// Notifier is told about plan and controller changes. Implementations must
// not block for long; they are called from the engine and the controller.
type Notifier interface {
	PlanChanged(ctx context.Context, plan types.ChargePlan)
	StatusChanged(ctx context.Context, state types.ControllerState)
}

// Event is the envelope every sink sends.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NewEvent wraps payload in an Event with a fresh ID.
func NewEvent(typ string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Time:    time.Now(),
		Payload: payload,
	}
}

// Multi fans out to every non-nil notifier in order.
type Multi []Notifier

func (m Multi) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	for _, n := range m {
		if n != nil {
			n.PlanChanged(ctx, plan)
		}
	}
}

func (m Multi) StatusChanged(ctx context.Context, state types.ControllerState) {
	for _, n := range m {
		if n != nil {
			n.StatusChanged(ctx, state)
		}
	}
}
