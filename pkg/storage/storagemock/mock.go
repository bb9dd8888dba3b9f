package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) LoadState(ctx context.Context) (types.ControllerState, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.ControllerState), args.Error(1)
}

func (m *MockDatabase) SaveState(ctx context.Context, state types.ControllerState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) GetSwitchMockState(ctx context.Context) (types.SwitchMockState, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.SwitchMockState), args.Error(1)
}

func (m *MockDatabase) UpdateSwitchMockState(ctx context.Context, state types.SwitchMockState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) UpsertDay(ctx context.Context, device string, day types.DailyRecord) error {
	args := m.Called(ctx, device, day)
	return args.Error(0)
}

func (m *MockDatabase) Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error) {
	args := m.Called(ctx, device, start, end)
	// return empty if not specified
	days, _ := args.Get(0).([]types.DailyRecord)
	return days, args.Error(1)
}

func (m *MockDatabase) Prune(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
