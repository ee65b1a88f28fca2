package ess

import (
	"context"
	"sync"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	mockStep      = 5 * time.Minute
	mockHomeKW    = 0.5
	mockMinSOC    = 10.0
	mockDefaultKW = 3.0
)

// Mock is an in-memory battery. While the current wall-clock time is inside
// the programmed charge window it charges at ChargeRateKW, otherwise a
// constant home load drains it down to a floor. Every window write is kept
// for inspection.
type Mock struct {
	mu          sync.Mutex
	location    *time.Location
	capacityKWh float64
	rateKW      float64
	soc         float64
	socKnown    bool
	timestamp   time.Time
	setting     types.WindowSetting
	settings    []types.WindowSetting
	handlers    Handlers
	err         error
	now         func() time.Time
}

// NewMock returns a Mock at soc percent. A negative soc leaves the reading
// unknown.
func NewMock(capacityKWh, rateKW, soc float64, loc *time.Location) *Mock {
	if rateKW <= 0 {
		rateKW = mockDefaultKW
	}
	if loc == nil {
		loc = time.UTC
	}
	m := &Mock{
		location:    loc,
		capacityKWh: capacityKWh,
		rateKW:      rateKW,
		soc:         soc,
		socKnown:    soc >= 0,
		now:         time.Now,
	}
	m.timestamp = m.now()
	return m
}

// GetStatus advances the simulation to now and returns the reading.
func (m *Mock) GetStatus(ctx context.Context) (types.BatteryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.BatteryStatus{}, m.err
	}
	m.advance(m.now())
	return types.BatteryStatus{
		SOC:          m.soc,
		SOCKnown:     m.socKnown,
		CapacityKWh:  m.capacityKWh,
		ChargeRateKW: m.rateKW,
		Timestamp:    m.timestamp,
	}, nil
}

// SetChargeWindow records the setting and uses it for future charging.
func (m *Mock) SetChargeWindow(ctx context.Context, setting types.WindowSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.advance(m.now())
	m.setting = setting
	m.settings = append(m.settings, setting)
	return nil
}

// Subscribe stores the handlers so tests can push readings with SetSOC.
func (m *Mock) Subscribe(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

func (m *Mock) Start(context.Context) error { return nil }

func (m *Mock) Close() error { return nil }

// SetSOC overrides the reading and notifies the SOC handler.
func (m *Mock) SetSOC(soc float64) {
	m.mu.Lock()
	m.soc = soc
	m.socKnown = true
	m.timestamp = m.now()
	h := m.handlers.SOC
	m.mu.Unlock()
	if h != nil {
		h(soc)
	}
}

// SetError makes every following call fail with err. A nil err clears it.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Settings returns every window written so far.
func (m *Mock) Settings() []types.WindowSetting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.WindowSetting(nil), m.settings...)
}

// Setting returns the currently programmed window.
func (m *Mock) Setting() types.WindowSetting {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setting
}

func (m *Mock) charging(t time.Time) bool {
	if m.setting.IsNeutral() {
		return false
	}
	p := types.Period{Start: m.setting.Start, End: m.setting.End}
	return p.Contains(types.ClockOf(t.In(m.location)))
}

// advance steps the simulation forward in at most five minute increments.
func (m *Mock) advance(now time.Time) {
	if !m.socKnown || m.capacityKWh <= 0 {
		m.timestamp = now
		return
	}
	for step := m.timestamp; step.Before(now); {
		end := step.Add(mockStep)
		if end.After(now) {
			end = now
		}
		hours := end.Sub(step).Hours()
		if m.charging(step) {
			m.soc = min(m.soc+m.rateKW*hours/m.capacityKWh*100, 100)
		} else if m.soc > mockMinSOC {
			m.soc = max(m.soc-mockHomeKW*hours/m.capacityKWh*100, mockMinSOC)
		}
		step = end
	}
	m.timestamp = now
}
