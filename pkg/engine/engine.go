package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/ess"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/planner"
	"github.com/raterudder/chargewindow/pkg/rates"
	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/types"
	"github.com/raterudder/chargewindow/pkg/utility"
)

// Recompute reasons.
const (
	ReasonStartup       = "startup"
	ReasonScheduled     = "scheduled"
	ReasonPeriodChanged = "period_changed"
	ReasonSOCChanged    = "soc_changed"
	ReasonTargetChanged = "target_changed"
	ReasonRatesUpdated  = "rates_updated"
	ReasonRequested     = "requested"
)

var (
	// ErrInvalidTarget is returned for a target outside 1-100 or not a whole
	// percent.
	ErrInvalidTarget = errors.New("target must be a whole percent from 1 to 100")
	// ErrInvalidSOC is returned for a reading outside 0-100.
	ErrInvalidSOC = errors.New("state of charge must be from 0 to 100")
	// ErrNoRates is returned when a refresh yields no usable slots. The
	// previous rates are kept.
	ErrNoRates = errors.New("no usable rates")
)

// PlanNotifier is told about every plan that differs from the previous one.
type PlanNotifier interface {
	PlanChanged(ctx context.Context, plan types.ChargePlan)
}

// Toggler switches charge control.
type Toggler interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// BatteryReader returns the latest battery reading.
type BatteryReader interface {
	GetStatus(ctx context.Context) (types.BatteryStatus, error)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier publishes changed plans.
func WithNotifier(n PlanNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithToggler lets SetEnabled switch the controller.
func WithToggler(t Toggler) Option {
	return func(e *Engine) { e.toggler = t }
}

// Engine owns the rates, the current inputs and the published plan. It
// refreshes rates from the provider and rebuilds the plan whenever an input
// changes enough to matter.
type Engine struct {
	cfg      Config
	builder  *planner.Builder
	provider utility.Provider
	db       storage.Database
	notifier PlanNotifier
	toggler  Toggler
	store    *rates.Store
	board    *planner.Board
	now      func() time.Time
	controls chan bool

	// serializes Recompute so plans are published in the order built
	recomputeMu sync.Mutex

	mu              sync.Mutex
	soc             float64
	socKnown        bool
	plannedSOC      float64
	planned         bool
	target          float64
	enabled         bool
	settingsVersion int
	batteryCapacity float64
	batteryRateKW   float64
}

// New returns an Engine with an empty rate store and board.
func New(cfg Config, builder *planner.Builder, provider utility.Provider, db storage.Database, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		builder:  builder,
		provider: provider,
		db:       db,
		store:    rates.NewStore(),
		board:    planner.NewBoard(),
		now:      time.Now,
		controls: make(chan bool, 8),
		target:   types.DefaultTargetSOC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the rate store.
func (e *Engine) Store() *rates.Store {
	return e.store
}

// Board returns the board holding the current plan.
func (e *Engine) Board() *planner.Board {
	return e.board
}

// Builder returns the plan builder.
func (e *Engine) Builder() *planner.Builder {
	return e.builder
}

// Location returns the location slot times are expressed in.
func (e *Engine) Location() *time.Location {
	return e.builder.Location
}

// Requirement returns the charge requirement from the latest inputs.
// Configured capacity and rate take precedence over battery readings.
func (e *Engine) Requirement() types.ChargeRequirement {
	e.mu.Lock()
	defer e.mu.Unlock()

	req := types.ChargeRequirement{
		CapacityKWh:  e.cfg.Capacity(),
		CurrentSOC:   e.soc,
		TargetSOC:    e.target,
		ChargeRateKW: e.cfg.ChargeRateKW(),
		SOCKnown:     e.socKnown,
	}
	if req.CapacityKWh <= 0 {
		req.CapacityKWh = e.batteryCapacity
	}
	if req.ChargeRateKW <= 0 {
		req.ChargeRateKW = e.batteryRateKW
	}
	return req
}

// Settings returns the persisted controls as currently known.
func (e *Engine) Settings() types.ControlSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.ControlSettings{Enabled: e.enabled, TargetSOC: e.target}
}

// LoadSettings restores the target and enabled flag from storage and returns
// them. A missing target falls back to the default.
func (e *Engine) LoadSettings(ctx context.Context) (types.ControlSettings, error) {
	settings, version, err := e.db.GetControlSettings(ctx)
	if err != nil {
		return types.ControlSettings{}, fmt.Errorf("failed to get control settings: %w", err)
	}
	if settings.TargetSOC <= 0 {
		settings.TargetSOC = types.DefaultTargetSOC
	}
	e.mu.Lock()
	e.target = settings.TargetSOC
	e.enabled = settings.Enabled
	e.settingsVersion = version
	e.mu.Unlock()
	log.Ctx(ctx).InfoContext(
		ctx,
		"loaded control settings",
		slog.Bool("enabled", settings.Enabled),
		slog.Float64("target", settings.TargetSOC),
	)
	return settings, nil
}

// saveSettings must not be called with e.mu held.
func (e *Engine) saveSettings(ctx context.Context) {
	e.mu.Lock()
	settings := types.ControlSettings{Enabled: e.enabled, TargetSOC: e.target}
	e.settingsVersion++
	version := e.settingsVersion
	e.mu.Unlock()

	if err := e.db.SetControlSettings(ctx, settings, version); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to save control settings", slog.Any("error", err))
	}
}

// SetSOC records a state of charge reading. The plan is rebuilt when this is
// the first reading or when it moved at least the threshold away from the
// reading the current plan was built with.
func (e *Engine) SetSOC(ctx context.Context, soc float64) (bool, error) {
	if soc < 0 || soc > 100 || math.IsNaN(soc) {
		return false, fmt.Errorf("%w: %v", ErrInvalidSOC, soc)
	}

	e.mu.Lock()
	e.soc = soc
	e.socKnown = true
	recompute := !e.planned || math.Abs(soc-e.plannedSOC) >= e.cfg.threshold()
	e.mu.Unlock()

	if !recompute {
		log.Ctx(ctx).DebugContext(ctx, "state of charge change below threshold", slog.Float64("soc", soc))
		return false, nil
	}
	e.Recompute(ctx, ReasonSOCChanged)
	return true, nil
}

// SetTarget changes the target state of charge and rebuilds the plan. A
// target of 0 means 100.
func (e *Engine) SetTarget(ctx context.Context, target float64) error {
	if target == 0 {
		target = types.DefaultTargetSOC
	}
	if target < 1 || target > 100 || target != math.Trunc(target) {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, target)
	}

	e.mu.Lock()
	changed := e.target != target
	e.target = target
	e.mu.Unlock()

	if changed {
		e.saveSettings(ctx)
	}
	log.Ctx(ctx).InfoContext(ctx, "target state of charge set", slog.Float64("target", target))
	e.Recompute(ctx, ReasonTargetChanged)
	return nil
}

// SetEnabled switches charge control and persists the choice.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	if e.toggler != nil {
		var err error
		if enabled {
			err = e.toggler.Enable(ctx)
		} else {
			err = e.toggler.Disable(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to switch charge control: %w", err)
		}
	}

	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
	e.saveSettings(ctx)
	return nil
}

// SyncBattery reads the battery and records its state of charge, capacity
// and charge rate.
func (e *Engine) SyncBattery(ctx context.Context, battery BatteryReader) error {
	status, err := battery.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get battery status: %w", err)
	}
	e.mu.Lock()
	e.batteryCapacity = status.CapacityKWh
	e.batteryRateKW = status.ChargeRateKW
	e.mu.Unlock()

	if !status.SOCKnown {
		return nil
	}
	_, err = e.SetSOC(ctx, status.SOC)
	return err
}

// RefreshRates fetches today's and tomorrow's quotes, normalizes them and
// installs the result. On failure the previous rates stay in place.
func (e *Engine) RefreshRates(ctx context.Context) error {
	now := e.now().In(e.Location())
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 2)

	quotes, err := e.provider.GetQuotes(ctx, start, end)
	if err != nil {
		return fmt.Errorf("failed to get quotes: %w", err)
	}
	set := rates.Normalize(ctx, quotes, e.Location())
	if set.Len() == 0 {
		return fmt.Errorf("%w: %d quotes", ErrNoRates, len(quotes))
	}
	e.store.Replace(set, e.now())

	if err := e.db.UpsertRates(ctx, set); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store rates", slog.Any("error", err))
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"rates refreshed",
		slog.Int("slots", set.Len()),
		slog.Time("first", set.At(0).Start),
		slog.Time("last", set.At(set.Len()-1).End),
	)
	return nil
}

// CurrentRate returns the slot containing now and logs its price.
func (e *Engine) CurrentRate(ctx context.Context) (types.RateSlot, bool) {
	slot, ok := e.store.Load().Current(e.now())
	if !ok {
		log.Ctx(ctx).DebugContext(ctx, "no rate for the current slot")
		return slot, false
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"current import rate",
		slog.String("cost", rates.DisplayCost(slot.Cost)),
		slog.Time("start", slot.Start),
		slog.Time("end", slot.End),
	)
	return slot, true
}

// CheckPeriod rebuilds the plan when the active period differs from the one
// the current plan was built for.
func (e *Engine) CheckPeriod(ctx context.Context) bool {
	var name string
	if p, ok := e.builder.ActivePeriod(e.now()); ok {
		name = p.Name
	}
	if name == e.board.Current().Period {
		return false
	}
	e.Recompute(ctx, ReasonPeriodChanged)
	return true
}

// Recompute builds a plan from the current inputs and rates and publishes
// it. The plan is always persisted; the notifier only hears about plans
// whose slots or state changed.
func (e *Engine) Recompute(ctx context.Context, reason string) types.ChargePlan {
	e.recomputeMu.Lock()
	defer e.recomputeMu.Unlock()

	now := e.now()
	req := e.Requirement()
	plan := e.builder.BuildPlan(req, e.builder.RatesByPeriod(e.store.Load(), now), now)

	e.mu.Lock()
	e.plannedSOC = req.CurrentSOC
	e.planned = req.SOCKnown
	e.mu.Unlock()

	changed := e.board.Publish(plan)

	attrs := plan.Attributes(e.Location())
	logger := log.Ctx(ctx).With(
		slog.String("reason", reason),
		slog.String("state", string(plan.State)),
		slog.String("period", plan.Period),
		slog.Int("required_slots", attrs.RequiredSlots),
		slog.String("total_cost", attrs.TotalCost),
		slog.Any("slot_times", attrs.SlotTimes),
	)
	switch plan.State {
	case types.PlanDataUnavailable:
		logger.WarnContext(ctx, "charge plan unavailable", slog.String("detail", plan.Reason))
	case types.PlanReady:
		logger.InfoContext(ctx, "charge plan built", slog.Bool("changed", changed))
	default:
		logger.InfoContext(ctx, "no charge scheduled", slog.String("detail", plan.Reason))
	}

	if err := e.db.InsertPlan(ctx, plan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store plan", slog.Any("error", err))
	}
	if changed && e.notifier != nil {
		e.notifier.PlanChanged(ctx, plan)
	}
	return plan
}

// Handlers returns battery handlers that feed readings and commands to Run.
// They never block the caller.
func (e *Engine) Handlers(ctx context.Context, signals *controller.Signals) ess.Handlers {
	return ess.Handlers{
		SOC: func(soc float64) {
			controller.SendLatest(signals.SOCChanged, soc)
		},
		Target: func(target float64) {
			controller.SendLatest(signals.TargetChanged, target)
		},
		Control: func(enabled bool) {
			select {
			case e.controls <- enabled:
			default:
				log.Ctx(ctx).WarnContext(ctx, "dropping charge control command", slog.Bool("enabled", enabled))
			}
		},
	}
}

// Run consumes SOC, target and control commands until ctx is done.
func (e *Engine) Run(ctx context.Context, signals *controller.Signals) error {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("component", "engine")))
	for {
		select {
		case <-ctx.Done():
			return nil
		case soc := <-signals.SOCChanged:
			if _, err := e.SetSOC(ctx, soc); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "ignoring state of charge", slog.Any("error", err))
			}
		case target := <-signals.TargetChanged:
			if err := e.SetTarget(ctx, target); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "ignoring target", slog.Any("error", err))
			}
		case enabled := <-e.controls:
			if err := e.SetEnabled(ctx, enabled); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to switch charge control", slog.Any("error", err))
			}
		}
	}
}
