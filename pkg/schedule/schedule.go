package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reugn/go-quartz/quartz"

	"github.com/raterudder/chargewindow/pkg/engine"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	DefaultRetryDelay        = 5 * time.Minute
	DefaultRecomputeInterval = 30 * time.Minute
)

// DefaultPlanTimes sit just before each default period starts.
var DefaultPlanTimes = []types.ClockTime{
	types.NewClockTime(11, 30),
	types.NewClockTime(17, 51),
	types.NewClockTime(23, 30),
}

// DefaultRatesTime is when the next day's prices are normally published.
var DefaultRatesTime = types.NewClockTime(16, 0)

// Planner is the part of the engine the scheduler drives.
type Planner interface {
	RefreshRates(ctx context.Context) error
	Recompute(ctx context.Context, reason string) types.ChargePlan
	CheckPeriod(ctx context.Context) bool
	CurrentRate(ctx context.Context) (types.RateSlot, bool)
}

// Config holds the trigger times.
type Config struct {
	PlanTimes         []types.ClockTime
	RatesTime         types.ClockTime
	RetryDelay        time.Duration
	RecomputeInterval time.Duration
	Location          *time.Location
}

func (cfg Config) withDefaults() Config {
	if cfg.PlanTimes == nil {
		cfg.PlanTimes = DefaultPlanTimes
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = DefaultRecomputeInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

// funcJob adapts a function to quartz.Job.
type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j *funcJob) Execute(ctx context.Context) error {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("job", j.name)))
	if err := j.fn(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "scheduled job failed", slog.Any("error", err))
		return err
	}
	return nil
}

func (j *funcJob) Description() string {
	return j.name
}

// Scheduler fires the time based triggers: plan recomputes before each
// period, the daily rate fetch with its retry, the half-hourly rate view
// refresh and the periodic recompute while control is enabled.
type Scheduler struct {
	cfg     Config
	planner Planner
	enabled func() bool
	sched   quartz.Scheduler

	mu       sync.Mutex
	retrying bool
}

// New returns a Scheduler. enabled reports whether charge control is on.
func New(cfg Config, planner Planner, enabled func() bool) *Scheduler {
	if enabled == nil {
		enabled = func() bool { return false }
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		planner: planner,
		enabled: enabled,
		sched:   quartz.NewStdScheduler(),
	}
}

func cronAt(c types.ClockTime) string {
	return fmt.Sprintf("0 %d %d * * *", c.Minute(), c.Hour())
}

func (s *Scheduler) scheduleCron(name, expr string, fn func(ctx context.Context) error) error {
	trigger, err := quartz.NewCronTriggerWithLoc(expr, s.cfg.Location)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s (%s): %w", name, expr, err)
	}
	job := &funcJob{name: name, fn: fn}
	if err := s.sched.ScheduleJob(quartz.NewJobDetail(job, quartz.NewJobKey(name)), trigger); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	return nil
}

// Start fetches rates and builds the first plan, then starts the triggers.
// A failed startup fetch is retried like the daily one.
func (s *Scheduler) Start(ctx context.Context) error {
	s.sched.Start(ctx)

	for _, at := range s.cfg.PlanTimes {
		if err := s.scheduleCron("plan-"+at.String(), cronAt(at), s.plan); err != nil {
			return err
		}
	}
	if err := s.scheduleCron("rates-daily", cronAt(s.cfg.RatesTime), s.refreshRates); err != nil {
		return err
	}
	if err := s.scheduleCron("rates-view", "0 0,30 * * * *", s.refreshView); err != nil {
		return err
	}
	recompute := &funcJob{name: "recompute", fn: s.recompute}
	if err := s.sched.ScheduleJob(
		quartz.NewJobDetail(recompute, quartz.NewJobKey(recompute.name)),
		quartz.NewSimpleTrigger(s.cfg.RecomputeInterval),
	); err != nil {
		return fmt.Errorf("failed to schedule recompute: %w", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "scheduler started", slog.Any("planTimes", s.cfg.PlanTimes), slog.String("ratesTime", s.cfg.RatesTime.String()))

	if err := s.refreshRates(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "startup rate fetch failed", slog.Any("error", err))
	}
	s.planner.Recompute(ctx, engine.ReasonStartup)
	return nil
}

// Stop stops the triggers and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) {
	s.sched.Stop()
	s.sched.Wait(ctx)
}

func (s *Scheduler) plan(ctx context.Context) error {
	s.planner.Recompute(ctx, engine.ReasonScheduled)
	return nil
}

// refreshRates fetches rates and rebuilds the plan. On failure a single retry
// is scheduled unless one is already pending.
func (s *Scheduler) refreshRates(ctx context.Context) error {
	err := s.planner.RefreshRates(ctx)
	if err == nil {
		s.planner.Recompute(ctx, engine.ReasonRatesUpdated)
		return nil
	}

	s.mu.Lock()
	pending := s.retrying
	s.retrying = true
	s.mu.Unlock()
	if pending {
		return err
	}

	retry := &funcJob{name: "rates-retry", fn: func(ctx context.Context) error {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
		if err := s.planner.RefreshRates(ctx); err != nil {
			return err
		}
		s.planner.Recompute(ctx, engine.ReasonRatesUpdated)
		return nil
	}}
	opts := quartz.NewDefaultJobDetailOptions()
	opts.Replace = true
	if serr := s.sched.ScheduleJob(
		quartz.NewJobDetailWithOptions(retry, quartz.NewJobKey(retry.name), opts),
		quartz.NewRunOnceTrigger(s.cfg.RetryDelay),
	); serr != nil {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "failed to schedule rate retry", slog.Any("error", serr))
	} else {
		log.Ctx(ctx).InfoContext(ctx, "rate fetch retry scheduled", slog.Duration("delay", s.cfg.RetryDelay))
	}
	return err
}

func (s *Scheduler) refreshView(ctx context.Context) error {
	s.planner.CurrentRate(ctx)
	s.planner.CheckPeriod(ctx)
	return nil
}

func (s *Scheduler) recompute(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	s.planner.Recompute(ctx, engine.ReasonScheduled)
	return nil
}
