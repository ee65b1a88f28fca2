package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	DefaultPollInterval = 30 * time.Minute
	DefaultTick         = time.Minute
)

// ErrActuatorMissing is recorded when a window write is attempted without a
// configured battery system.
var ErrActuatorMissing = errors.New("charge window actuator is not configured")

// WindowWriter programs the battery's charge window.
type WindowWriter interface {
	SetChargeWindow(ctx context.Context, setting types.WindowSetting) error
}

// ActionRecorder persists actuator writes.
type ActionRecorder interface {
	InsertAction(ctx context.Context, action types.Action) error
}

// StatusNotifier is told about every controller state change.
type StatusNotifier interface {
	StatusChanged(ctx context.Context, state types.ControllerState)
}

// Config holds the controller timings.
type Config struct {
	// PollInterval is how long to sleep while waiting for a plan and how long
	// to wait after a failed processing pass before resetting.
	PollInterval time.Duration
	// Tick bounds each countdown sleep so the status stays fresh.
	Tick         time.Duration
	SlotDuration time.Duration
	Location     *time.Location
}

func (cfg Config) withDefaults() Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRecorder stores every actuator write.
func WithRecorder(r ActionRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithNotifier publishes every state change.
func WithNotifier(n StatusNotifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithPlanSource supplies the current plan when control is enabled.
func WithPlanSource(source func() types.ChargePlan) Option {
	return func(c *Controller) { c.source = source }
}

// Controller turns the current ChargePlan into timed writes of the battery's
// charge window. All transitions happen on the goroutine running Run; the
// other methods only send signals or read a snapshot.
type Controller struct {
	cfg      Config
	signals  *Signals
	actuator WindowWriter
	recorder ActionRecorder
	notifier StatusNotifier
	source   func() types.ChargePlan
	now      func() time.Time

	// owned by Run
	plan types.ChargePlan

	mu    sync.RWMutex
	state types.ControllerState
}

// New returns a disabled Controller. A nil actuator is allowed; every write
// then fails with ErrActuatorMissing.
func New(cfg Config, signals *Signals, actuator WindowWriter, opts ...Option) *Controller {
	if signals == nil {
		signals = NewSignals()
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		signals:  signals,
		actuator: actuator,
		now:      time.Now,
		state: types.ControllerState{
			Phase:         types.PhaseDisabled,
			StatusMessage: statusWaitingForPlan,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Signals returns the channels the controller listens on.
func (c *Controller) Signals() *Signals {
	return c.signals
}

// State returns a snapshot of the controller state.
func (c *Controller) State() types.ControllerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneState(c.state)
}

// Enable turns automatic charge control on.
func (c *Controller) Enable(ctx context.Context) error {
	return send(ctx, c.signals.ControlToggled, true)
}

// Disable turns charge control off and resets the charge window.
func (c *Controller) Disable(ctx context.Context) error {
	return send(ctx, c.signals.ControlToggled, false)
}

// ReplacePlan hands the controller a new plan. Only the newest pending plan is
// kept.
func (c *Controller) ReplacePlan(plan types.ChargePlan) {
	SendLatest(c.signals.PlanReplaced, plan)
}

// Follow forwards plans from ch until ctx is done or ch is closed.
func (c *Controller) Follow(ctx context.Context, ch <-chan types.ChargePlan) {
	for {
		select {
		case <-ctx.Done():
			return
		case plan, ok := <-ch:
			if !ok {
				return
			}
			c.ReplacePlan(plan)
		}
	}
}

// Run drives the state machine until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("component", "controller")))
	log.Ctx(ctx).InfoContext(ctx, "charge controller started")
	for ctx.Err() == nil {
		c.step(ctx)
	}
	log.Ctx(ctx).InfoContext(ctx, "charge controller stopped")
	return nil
}

func (c *Controller) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"charge controller failed",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			c.update(ctx, func(s *types.ControllerState) {
				s.Phase = types.PhaseError
				s.StatusMessage = statusError
			})
		}
	}()

	switch c.State().Phase {
	case types.PhaseWaitingForPlan:
		c.runWaiting(ctx)
	case types.PhaseProcessing:
		c.runProcessing(ctx)
	case types.PhaseError:
		// a pass that failed part way is retried from a neutral inverter
		if c.wait(ctx, c.cfg.PollInterval) == wakeTimeout {
			c.reset(ctx)
		}
	default:
		// disabled and all_windows_processed idle until a signal arrives
		c.wait(ctx, c.cfg.PollInterval)
	}
}

func (c *Controller) resume(ctx context.Context) {
	c.update(ctx, func(s *types.ControllerState) {
		if !s.Enabled {
			s.Phase = types.PhaseDisabled
			s.StatusMessage = statusWaitingForPlan
			return
		}
		s.Phase = types.PhaseWaitingForPlan
		s.WaitingForPlan = true
		s.StatusMessage = statusWaitingForPlan
	})
}

func (c *Controller) runWaiting(ctx context.Context) {
	if c.plan.HasSlots() {
		c.update(ctx, func(s *types.ControllerState) {
			s.Phase = types.PhaseProcessing
		})
		return
	}
	c.update(ctx, func(s *types.ControllerState) {
		s.WaitingForPlan = true
		s.StatusMessage = statusNoPlan
	})
	c.wait(ctx, c.cfg.PollInterval)
}

func (c *Controller) runProcessing(ctx context.Context) {
	loc := c.cfg.Location
	windows := MergeWindows(c.plan.SlotStarts, c.cfg.SlotDuration)
	if len(windows) == 0 {
		c.update(ctx, func(s *types.ControllerState) {
			s.Phase = types.PhaseWaitingForPlan
			s.WaitingForPlan = true
		})
		return
	}

	c.update(ctx, func(s *types.ControllerState) {
		s.Windows = windows
		s.CurrentWindowIndex = 0
		s.WaitingForPlan = false
		s.AllWindowsProcessed = false
	})

	if !windows[0].Equal(c.State().LastAppliedWindow) {
		c.apply(ctx, windows[0], types.ActionReasonFirstWindow)
	}
	c.update(ctx, func(s *types.ControllerState) {
		s.StatusMessage = chargingStatus(windows, loc)
	})

	for i, w := range windows {
		c.update(ctx, func(s *types.ControllerState) {
			s.CurrentWindowIndex = i
		})
		if !w.End.After(c.now()) {
			continue
		}
		for {
			now := c.now()
			if !now.Before(w.Start) {
				break
			}
			remaining := w.Start.Sub(now)
			c.update(ctx, func(s *types.ControllerState) {
				s.StatusMessage = countdownStatus(remaining, w.Start, loc)
			})
			d := min(c.cfg.Tick, remaining)
			if c.wait(ctx, d) != wakeTimeout {
				// a new plan starts over, a toggle or shutdown ends the cycle
				return
			}
		}
		if !w.Equal(c.State().LastAppliedWindow) {
			c.apply(ctx, w, types.ActionReasonWindowStart)
		}
		c.update(ctx, func(s *types.ControllerState) {
			s.StatusMessage = activeStatus(windows, i, loc)
		})
	}

	last := windows[len(windows)-1]
	c.update(ctx, func(s *types.ControllerState) {
		s.Phase = types.PhaseAllWindowsProcessed
		s.AllWindowsProcessed = true
		s.StatusMessage = allProcessedStatus(last, loc)
	})
}

// reset recovers from a processing pass that ended without reaching its last
// window. The inverter goes back to neutral and the plan is re-read from the
// source so control resumes on the next step.
func (c *Controller) reset(ctx context.Context) {
	if !c.State().Enabled {
		c.resume(ctx)
		return
	}
	log.Ctx(ctx).WarnContext(ctx, "charge cycle did not complete, resetting control")
	if c.source != nil {
		c.plan = c.source()
	}
	c.apply(ctx, types.NeutralWindow, types.ActionReasonReset)
	c.update(ctx, func(s *types.ControllerState) {
		s.AllWindowsProcessed = false
		s.CurrentWindowIndex = 0
		s.Windows = nil
	})
	c.resume(ctx)
}

func (c *Controller) disable(ctx context.Context) {
	c.apply(ctx, types.NeutralWindow, types.ActionReasonDisabled)
	c.update(ctx, func(s *types.ControllerState) {
		s.Enabled = false
		s.Phase = types.PhaseDisabled
		s.AllWindowsProcessed = false
		s.WaitingForPlan = false
		s.CurrentWindowIndex = 0
		s.Windows = nil
		s.LastAppliedWindow = types.NeutralWindow
		s.StatusMessage = statusWaitingForPlan
	})
}

type wake int

const (
	wakeTimeout wake = iota
	wakePlan
	wakeToggle
	wakeDone
)

// wait sleeps for d while handling signals. It returns early only when a
// signal changed something the caller must react to.
func (c *Controller) wait(ctx context.Context, d time.Duration) wake {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return wakeDone
		case <-timer.C:
			return wakeTimeout
		case plan := <-c.signals.PlanReplaced:
			if c.adoptPlan(ctx, plan) {
				return wakePlan
			}
		case enabled := <-c.signals.ControlToggled:
			if c.toggle(ctx, enabled) {
				return wakeToggle
			}
		}
	}
}

func (c *Controller) adoptPlan(ctx context.Context, plan types.ChargePlan) bool {
	if plan.SameSlots(c.plan) {
		c.plan = plan
		return false
	}
	c.plan = plan
	log.Ctx(ctx).DebugContext(
		ctx,
		"charge plan replaced",
		slog.String("state", string(plan.State)),
		slog.Int("slots", len(plan.SlotStarts)),
	)
	st := c.State()
	if !st.Enabled {
		return false
	}
	c.update(ctx, func(s *types.ControllerState) {
		s.AllWindowsProcessed = false
		if plan.HasSlots() {
			s.Phase = types.PhaseProcessing
			return
		}
		s.Phase = types.PhaseWaitingForPlan
		s.WaitingForPlan = true
		s.Windows = nil
		s.StatusMessage = statusNoPlan
	})
	return true
}

func (c *Controller) toggle(ctx context.Context, enabled bool) bool {
	if !enabled {
		log.Ctx(ctx).InfoContext(ctx, "charge control disabled")
		c.disable(ctx)
		return true
	}
	if c.State().Enabled {
		// a repeated enable picks up a plan the controller missed
		if c.source == nil {
			return false
		}
		return c.adoptPlan(ctx, c.source())
	}
	log.Ctx(ctx).InfoContext(ctx, "charge control enabled")
	if c.source != nil {
		c.plan = c.source()
	}
	c.update(ctx, func(s *types.ControllerState) {
		s.Enabled = true
		s.AllWindowsProcessed = false
		s.WaitingForPlan = true
		s.Phase = types.PhaseWaitingForPlan
		s.StatusMessage = statusWaitingForPlan
	})
	return true
}

// apply writes w to the actuator and records the outcome. Failures are logged
// and recorded; the next scheduled write is the retry.
func (c *Controller) apply(ctx context.Context, w types.ChargeWindow, reason types.ActionReason) {
	setting := w.Setting(c.cfg.Location)
	action := types.Action{
		Timestamp: c.now(),
		Reason:    reason,
		Window:    w,
		Setting:   setting,
	}

	if err := c.write(ctx, setting); err != nil {
		err = fmt.Errorf("failed to set charge window %s-%s: %w", setting.Start, setting.End, err)
		action.Error = err.Error()
		log.Ctx(ctx).ErrorContext(ctx, "charge window write failed", slog.Any("error", err))
	} else {
		log.Ctx(ctx).InfoContext(
			ctx,
			"charge window set",
			slog.String("reason", string(reason)),
			slog.String("start", setting.Start.String()),
			slog.String("end", setting.End.String()),
		)
		c.update(ctx, func(s *types.ControllerState) {
			s.LastAppliedWindow = w
		})
	}

	if c.recorder != nil {
		if rerr := c.recorder.InsertAction(ctx, action); rerr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to record action", slog.Any("error", rerr))
		}
	}
}

func (c *Controller) write(ctx context.Context, setting types.WindowSetting) (err error) {
	if c.actuator == nil {
		return ErrActuatorMissing
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actuator panic: %v", r)
		}
	}()
	return c.actuator.SetChargeWindow(ctx, setting)
}

func (c *Controller) update(ctx context.Context, fn func(*types.ControllerState)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.UpdatedAt = c.now()
	snap := cloneState(c.state)
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.StatusChanged(ctx, snap)
	}
}

func cloneState(s types.ControllerState) types.ControllerState {
	if s.Windows != nil {
		s.Windows = append(s.Windows[:0:0], s.Windows...)
	}
	return s
}
