package storage

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raterudder/chargewindow/pkg/types"
)

// Memory is a Database kept in process memory. Records are keyed the same
// way as in Firestore, so a second write within the same second replaces the
// first.
type Memory struct {
	mu             sync.RWMutex
	plans          map[string]types.ChargePlan
	actions        map[string]types.Action
	rates          map[string]types.RateSlot
	control        types.ControlSettings
	controlVersion int
}

// NewMemory returns an empty Memory database.
func NewMemory() *Memory {
	return &Memory{
		plans:   make(map[string]types.ChargePlan),
		actions: make(map[string]types.Action),
		rates:   make(map[string]types.RateSlot),
		control: types.ControlSettings{TargetSOC: types.DefaultTargetSOC},
	}
}

// clone round trips v through JSON so callers never share memory with the
// store and see the same values Firestore would return.
func clone[T any](v T) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func rangeOf[T any](m map[string]T, start, end time.Time) []T {
	from, to := docID(start), docID(end)
	var out []T
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if k >= from && k < to {
			out = append(out, m[k])
		}
	}
	return out
}

func (m *Memory) InsertPlan(ctx context.Context, plan types.ChargePlan) error {
	p, err := clone(plan)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[docID(plan.CreatedAt)] = p
	return nil
}

func (m *Memory) GetLatestPlan(ctx context.Context) (types.ChargePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.plans) == 0 {
		return types.ChargePlan{}, ErrPlanNotFound
	}
	return clone(m.plans[slices.Max(slices.Collect(maps.Keys(m.plans)))])
}

func (m *Memory) GetPlanHistory(ctx context.Context, start, end time.Time) ([]types.ChargePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(rangeOf(m.plans, start, end))
}

func (m *Memory) InsertAction(ctx context.Context, action types.Action) error {
	a, err := clone(action)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[docID(action.Timestamp)] = a
	return nil
}

func (m *Memory) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(rangeOf(m.actions, start, end))
}

func (m *Memory) UpsertRates(ctx context.Context, set types.RateSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range set.Slots() {
		m.rates[docID(s.Start)] = s
	}
	return nil
}

func (m *Memory) GetRateHistory(ctx context.Context, start, end time.Time) (types.RateSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.NewRateSet(rangeOf(m.rates, start, end)), nil
}

func (m *Memory) GetControlSettings(ctx context.Context) (types.ControlSettings, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.control, m.controlVersion, nil
}

func (m *Memory) SetControlSettings(ctx context.Context, settings types.ControlSettings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.control = settings
	m.controlVersion = version
	return nil
}

func (m *Memory) Close() error {
	return nil
}
