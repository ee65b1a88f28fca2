package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

var (
	ErrPlanNotFound = errors.New("charge plan not found")
)

// Database defines the interface for persisting plans, actuator actions,
// rates and the control settings.
type Database interface {
	// Plans
	InsertPlan(ctx context.Context, plan types.ChargePlan) error
	// GetLatestPlan returns ErrPlanNotFound when nothing was stored yet.
	GetLatestPlan(ctx context.Context) (types.ChargePlan, error)
	GetPlanHistory(ctx context.Context, start, end time.Time) ([]types.ChargePlan, error)

	// Actions
	InsertAction(ctx context.Context, action types.Action) error
	GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error)

	// Rates
	// UpsertRates adds or replaces every slot of set, keyed by slot start.
	UpsertRates(ctx context.Context, set types.RateSet) error
	GetRateHistory(ctx context.Context, start, end time.Time) (types.RateSet, error)

	// Control
	GetControlSettings(ctx context.Context) (types.ControlSettings, int, error)
	SetControlSettings(ctx context.Context, settings types.ControlSettings, version int) error

	// Lifecycle
	Close() error
}
