package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/ess"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/planner"
	"github.com/raterudder/chargewindow/pkg/rates"
	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/storage/storagemock"
	"github.com/raterudder/chargewindow/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// just before midnight so the overnight period is active
var testNow = time.Date(2024, 3, 1, 23, 59, 30, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 2, hour, minute, 0, 0, time.UTC)
}

type fakeProvider struct {
	mu     sync.Mutex
	quotes []types.RawQuote
	err    error
	calls  int
}

func (p *fakeProvider) GetQuotes(ctx context.Context, start, end time.Time) ([]types.RawQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.quotes, p.err
}

func overnightQuotes() []types.RawQuote {
	var out []types.RawQuote
	for i, cost := range []string{"5", "3", "3", "8"} {
		c := cost
		start := at(0, 0).Add(time.Duration(i) * 30 * time.Minute)
		out = append(out, types.RawQuote{Provider: "test", Cost: &c, ValidFrom: start, ValidTo: start.Add(30 * time.Minute)})
	}
	return out
}

type planLog struct {
	mu    sync.Mutex
	plans []types.ChargePlan
}

func (l *planLog) PlanChanged(ctx context.Context, plan types.ChargePlan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plans = append(l.plans, plan)
}

func (l *planLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.plans)
}

type fakeToggler struct {
	mu      sync.Mutex
	toggles []bool
	err     error
}

func (f *fakeToggler) Enable(ctx context.Context) error  { return f.record(true) }
func (f *fakeToggler) Disable(ctx context.Context) error { return f.record(false) }

func (f *fakeToggler) record(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.toggles = append(f.toggles, enabled)
	return nil
}

func newTestEngine(t *testing.T, db storage.Database, opts ...Option) (*Engine, *fakeProvider) {
	t.Helper()
	builder := planner.NewBuilder(planner.DefaultPeriods, time.UTC)
	builder.Selector.MaxAcceptableCost = 6
	provider := &fakeProvider{quotes: overnightQuotes()}
	e := New(Config{CapacityKWh: 10, ChargeRateW: 2000}, builder, provider, db, opts...)
	e.now = func() time.Time { return testNow }
	return e, provider
}

func TestConfig(t *testing.T) {
	assert.Equal(t, 10.0, Config{CapacityKWh: 10, CapacityAh: 100}.Capacity())
	assert.Equal(t, 5.0, Config{CapacityAh: 100}.Capacity())
	assert.Equal(t, 4.8, Config{CapacityAh: 100, Voltage: 48}.Capacity())
	assert.Equal(t, 0.0, Config{}.Capacity())
	assert.Equal(t, 2.5, Config{ChargeRateW: 2500}.ChargeRateKW())
	assert.Equal(t, DefaultSOCThreshold, Config{}.threshold())
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	t.Run("end to end plan", func(t *testing.T) {
		db := storage.NewMemory()
		notes := &planLog{}
		e, _ := newTestEngine(t, db, WithNotifier(notes))

		require.NoError(t, e.RefreshRates(ctx))
		assert.Equal(t, 4, e.Store().Load().Len())

		recomputed, err := e.SetSOC(ctx, 40)
		require.NoError(t, err)
		assert.True(t, recomputed)

		plan := e.Board().Current()
		assert.Equal(t, types.PlanReady, plan.State)
		assert.Equal(t, "overnight", plan.Period)
		assert.Equal(t, 6, plan.RequiredSlots)
		assert.Equal(t, 3, plan.SlotCount)
		assert.Equal(t, []time.Time{at(0, 0), at(0, 30), at(1, 0)}, plan.SlotStarts)
		assert.InDelta(t, 11.0, plan.TotalCost, 1e-9)
		assert.Equal(t, types.PlanAttributes{
			RequiredSlots: 6,
			TotalCost:     "11.00p",
			SlotTimes:     []string{"00:00", "00:30", "01:00"},
		}, plan.Attributes(e.Location()))
		assert.Equal(t, 1, notes.count())

		stored, err := db.GetLatestPlan(ctx)
		require.NoError(t, err)
		assert.True(t, stored.SameSlots(plan))

		windows := controller.MergeWindows(plan.SlotStarts, 30*time.Minute)
		require.Len(t, windows, 1)
		assert.True(t, windows[0].Equal(types.ChargeWindow{Start: at(0, 0), End: at(1, 30)}))
	})

	t.Run("soc threshold", func(t *testing.T) {
		e, _ := newTestEngine(t, storage.NewMemory())
		require.NoError(t, e.RefreshRates(ctx))

		recomputed, err := e.SetSOC(ctx, 40)
		require.NoError(t, err)
		assert.True(t, recomputed, "first reading always plans")

		recomputed, err = e.SetSOC(ctx, 44)
		require.NoError(t, err)
		assert.False(t, recomputed)
		assert.Equal(t, 44.0, e.Requirement().CurrentSOC)

		recomputed, err = e.SetSOC(ctx, 45)
		require.NoError(t, err)
		assert.True(t, recomputed, "five points from the planned reading")

		recomputed, err = e.SetSOC(ctx, 41)
		require.NoError(t, err)
		assert.False(t, recomputed, "measured from the latest plan")

		_, err = e.SetSOC(ctx, 101)
		assert.ErrorIs(t, err, ErrInvalidSOC)
		_, err = e.SetSOC(ctx, -1)
		assert.ErrorIs(t, err, ErrInvalidSOC)
	})

	t.Run("target", func(t *testing.T) {
		db := storage.NewMemory()
		e, _ := newTestEngine(t, db)
		require.NoError(t, e.RefreshRates(ctx))
		_, err := e.SetSOC(ctx, 40)
		require.NoError(t, err)

		require.NoError(t, e.SetTarget(ctx, 60))
		plan := e.Board().Current()
		// 2 kWh at 1 kWh per slot
		assert.Equal(t, 2, plan.RequiredSlots)
		assert.Equal(t, []time.Time{at(0, 30), at(1, 0)}, plan.SlotStarts)

		settings, version, err := db.GetControlSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 60.0, settings.TargetSOC)
		assert.Equal(t, 1, version)

		require.NoError(t, e.SetTarget(ctx, 0))
		assert.Equal(t, 100.0, e.Requirement().TargetSOC)

		for _, bad := range []float64{-1, 101, 50.5} {
			assert.ErrorIs(t, e.SetTarget(ctx, bad), ErrInvalidTarget, "%v", bad)
		}
		assert.Equal(t, 100.0, e.Settings().TargetSOC)
	})

	t.Run("target at or below soc needs no charge", func(t *testing.T) {
		e, _ := newTestEngine(t, storage.NewMemory())
		require.NoError(t, e.RefreshRates(ctx))
		_, err := e.SetSOC(ctx, 80)
		require.NoError(t, err)
		require.NoError(t, e.SetTarget(ctx, 80))
		assert.Equal(t, types.PlanNoChargeNeeded, e.Board().Current().State)
	})

	t.Run("missing inputs", func(t *testing.T) {
		e, _ := newTestEngine(t, storage.NewMemory())
		require.NoError(t, e.RefreshRates(ctx))
		plan := e.Recompute(ctx, ReasonRequested)
		assert.Equal(t, types.PlanDataUnavailable, plan.State)
		assert.Contains(t, plan.Reason, "state of charge")
	})

	t.Run("refresh failures keep previous rates", func(t *testing.T) {
		e, provider := newTestEngine(t, storage.NewMemory())
		require.NoError(t, e.RefreshRates(ctx))

		provider.err = errors.New("timeout")
		assert.Error(t, e.RefreshRates(ctx))
		assert.Equal(t, 4, e.Store().Load().Len())

		provider.err = nil
		bad := "n/a"
		provider.quotes = []types.RawQuote{{Cost: &bad, ValidFrom: at(2, 0), ValidTo: at(2, 30)}}
		assert.ErrorIs(t, e.RefreshRates(ctx), ErrNoRates)
		assert.Equal(t, 4, e.Store().Load().Len())
		assert.Equal(t, 3, provider.calls)
	})

	t.Run("storage failures do not stop planning", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("UpsertRates", mock.Anything, mock.Anything).Return(errors.New("unavailable"))
		db.On("InsertPlan", mock.Anything, mock.Anything).Return(errors.New("unavailable"))
		e, _ := newTestEngine(t, db)

		require.NoError(t, e.RefreshRates(ctx))
		_, err := e.SetSOC(ctx, 40)
		require.NoError(t, err)
		assert.Equal(t, types.PlanReady, e.Board().Current().State)
		db.AssertExpectations(t)
	})

	t.Run("load settings", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetControlSettings", mock.Anything).Return(types.ControlSettings{Enabled: true, TargetSOC: 0}, 3, nil)
		db.On("SetControlSettings", mock.Anything, types.ControlSettings{Enabled: true, TargetSOC: 90}, 4).Return(nil)
		e, _ := newTestEngine(t, db)

		settings, err := e.LoadSettings(ctx)
		require.NoError(t, err)
		assert.True(t, settings.Enabled)
		assert.Equal(t, 100.0, settings.TargetSOC)

		db.On("InsertPlan", mock.Anything, mock.Anything).Return(nil)
		require.NoError(t, e.SetTarget(ctx, 90))
		db.AssertExpectations(t)
	})

	t.Run("set enabled", func(t *testing.T) {
		db := storage.NewMemory()
		toggler := &fakeToggler{}
		e, _ := newTestEngine(t, db, WithToggler(toggler))

		require.NoError(t, e.SetEnabled(ctx, true))
		require.NoError(t, e.SetEnabled(ctx, false))
		assert.Equal(t, []bool{true, false}, toggler.toggles)

		settings, _, err := db.GetControlSettings(ctx)
		require.NoError(t, err)
		assert.False(t, settings.Enabled)

		toggler.err = context.Canceled
		assert.ErrorIs(t, e.SetEnabled(ctx, true), context.Canceled)
		assert.False(t, e.Settings().Enabled)
	})

	t.Run("period change", func(t *testing.T) {
		e, _ := newTestEngine(t, storage.NewMemory())
		require.NoError(t, e.RefreshRates(ctx))
		_, err := e.SetSOC(ctx, 40)
		require.NoError(t, err)
		assert.False(t, e.CheckPeriod(ctx))

		e.now = func() time.Time { return at(12, 0) }
		assert.True(t, e.CheckPeriod(ctx))
		plan := e.Board().Current()
		assert.Equal(t, "afternoon", plan.Period)
		assert.Equal(t, types.PlanDataUnavailable, plan.State)
	})

	t.Run("current rate", func(t *testing.T) {
		e, _ := newTestEngine(t, storage.NewMemory())
		_, ok := e.CurrentRate(ctx)
		assert.False(t, ok)

		require.NoError(t, e.RefreshRates(ctx))
		e.now = func() time.Time { return at(0, 40) }
		slot, ok := e.CurrentRate(ctx)
		require.True(t, ok)
		assert.Equal(t, "3.00p", rates.DisplayCost(slot.Cost))
	})

	t.Run("battery readings", func(t *testing.T) {
		builder := planner.NewBuilder(planner.DefaultPeriods, time.UTC)
		builder.Selector.MaxAcceptableCost = 6
		e := New(Config{}, builder, &fakeProvider{quotes: overnightQuotes()}, storage.NewMemory())
		e.now = func() time.Time { return testNow }
		require.NoError(t, e.RefreshRates(ctx))

		require.NoError(t, e.SyncBattery(ctx, ess.NewMock(10, 2, 40, time.UTC)))
		req := e.Requirement()
		assert.Equal(t, 10.0, req.CapacityKWh)
		assert.Equal(t, 2.0, req.ChargeRateKW)
		assert.True(t, req.SOCKnown)
		assert.Equal(t, types.PlanReady, e.Board().Current().State)

		m := ess.NewMock(10, 2, 50, time.UTC)
		m.SetError(errors.New("offline"))
		assert.Error(t, e.SyncBattery(ctx, m))
	})

	t.Run("signals", func(t *testing.T) {
		toggler := &fakeToggler{}
		e, _ := newTestEngine(t, storage.NewMemory(), WithToggler(toggler))
		require.NoError(t, e.RefreshRates(ctx))
		signals := controller.NewSignals()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = e.Run(runCtx, signals)
		}()

		h := e.Handlers(runCtx, signals)
		h.SOC(40)
		assert.Eventually(t, func() bool {
			return e.Board().Current().State == types.PlanReady
		}, time.Second, 5*time.Millisecond)

		h.Target(60)
		assert.Eventually(t, func() bool {
			return e.Board().Current().RequiredSlots == 2
		}, time.Second, 5*time.Millisecond)

		h.Control(true)
		assert.Eventually(t, func() bool {
			return e.Settings().Enabled
		}, time.Second, 5*time.Millisecond)

		cancel()
		<-done
		toggler.mu.Lock()
		defer toggler.mu.Unlock()
		assert.Equal(t, []bool{true}, toggler.toggles)
	})
}
