package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/chargewindow/pkg/storage"
	"github.com/raterudder/chargewindow/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertPlan(ctx context.Context, plan types.ChargePlan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestPlan(ctx context.Context) (types.ChargePlan, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.ChargePlan), args.Error(1)
}

func (m *MockDatabase) GetPlanHistory(ctx context.Context, start, end time.Time) ([]types.ChargePlan, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ChargePlan), args.Error(1)
}

func (m *MockDatabase) InsertAction(ctx context.Context, action types.Action) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

func (m *MockDatabase) GetActionHistory(ctx context.Context, start, end time.Time) ([]types.Action, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Action), args.Error(1)
}

func (m *MockDatabase) UpsertRates(ctx context.Context, set types.RateSet) error {
	args := m.Called(ctx, set)
	return args.Error(0)
}

func (m *MockDatabase) GetRateHistory(ctx context.Context, start, end time.Time) (types.RateSet, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).(types.RateSet), args.Error(1)
}

func (m *MockDatabase) GetControlSettings(ctx context.Context) (types.ControlSettings, int, error) {
	args := m.Called(ctx)
	// return defaults if not specified
	if len(args) > 0 {
		return args.Get(0).(types.ControlSettings), args.Int(1), args.Error(2)
	}
	return types.ControlSettings{TargetSOC: types.DefaultTargetSOC}, 0, nil
}

func (m *MockDatabase) SetControlSettings(ctx context.Context, settings types.ControlSettings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
