package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories/mocks"
	"github.com/upb/phi-audit-core/services"
)

var fixedNow = time.Date(2025, 4, 9, 15, 42, 17, 0, time.UTC)

func newTestService(repo *mocks.MockUsageRepository, limit int64) *Service {
	svc := NewService(repo, zap.NewNop(), limit)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func TestRecordPHIScan(t *testing.T) {
	dayStart := time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC)

	repo := new(mocks.MockUsageRepository)
	repo.On("Increment", mock.Anything, "phi_scan:10.0.0.9", dayStart, int64(1)).Return(int64(3), nil)

	result, err := newTestService(repo, 0).RecordPHIScan(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Count)
	assert.Equal(t, dayStart, result.WindowStart)
	assert.Equal(t, dayStart.AddDate(0, 0, 1), result.ResetAt)
	assert.True(t, result.Allowed)
	repo.AssertExpectations(t)
}

func TestRecordPHIScan_UnknownCaller(t *testing.T) {
	repo := new(mocks.MockUsageRepository)
	repo.On("Increment", mock.Anything, "phi_scan:unknown", mock.Anything, int64(1)).Return(int64(1), nil)

	_, err := newTestService(repo, 0).RecordPHIScan(context.Background(), "")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRecordPHIScan_Limit(t *testing.T) {
	tests := []struct {
		name    string
		count   int64
		allowed bool
	}{
		{name: "below limit", count: 99, allowed: true},
		{name: "at limit", count: 100, allowed: true},
		{name: "over limit", count: 101, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.MockUsageRepository)
			repo.On("Increment", mock.Anything, mock.Anything, mock.Anything, int64(1)).Return(tt.count, nil)

			result, err := newTestService(repo, 100).RecordPHIScan(context.Background(), "1.2.3.4")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, result.Allowed)
			assert.Equal(t, int64(100), result.Limit)
		})
	}
}

func TestIncrement_Validation(t *testing.T) {
	repo := new(mocks.MockUsageRepository)
	svc := newTestService(repo, 0)

	_, err := svc.Increment(context.Background(), "  ", WindowDay, 0)
	assert.True(t, services.IsValidationError(err))

	_, err = svc.Increment(context.Background(), "k", Window("fortnight"), 0)
	assert.True(t, services.IsValidationError(err))

	repo.AssertNotCalled(t, "Increment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIncrement_RepositoryError(t *testing.T) {
	repo := new(mocks.MockUsageRepository)
	repo.On("Increment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))

	_, err := newTestService(repo, 0).Increment(context.Background(), "k", WindowMinute, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestCurrent(t *testing.T) {
	hourStart := time.Date(2025, 4, 9, 15, 0, 0, 0, time.UTC)

	repo := new(mocks.MockUsageRepository)
	repo.On("Get", mock.Anything, "k", hourStart).Return(&models.UsageCounter{Key: "k", WindowStart: hourStart, Count: 7}, nil)

	count, err := newTestService(repo, 0).Current(context.Background(), "k", WindowHour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestWindowBounds(t *testing.T) {
	tests := []struct {
		window Window
		start  time.Time
		reset  time.Time
	}{
		{WindowMinute, time.Date(2025, 4, 9, 15, 42, 0, 0, time.UTC), time.Date(2025, 4, 9, 15, 43, 0, 0, time.UTC)},
		{WindowHour, time.Date(2025, 4, 9, 15, 0, 0, 0, time.UTC), time.Date(2025, 4, 9, 16, 0, 0, 0, time.UTC)},
		{WindowDay, time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC), time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.window), func(t *testing.T) {
			start, reset, err := windowBounds(fixedNow, tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.reset, reset)
		})
	}
}
