package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/internal/phi"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories/mocks"
	"github.com/upb/phi-audit-core/services"
	"github.com/upb/phi-audit-core/services/encryption"
)

func newTestKeyring(t *testing.T) (*encryption.Keyring, *encryption.Service) {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	ring := encryption.NewKeyring()
	svc, err := ring.Add(models.KeyNamespacePHISample, 1, key)
	require.NoError(t, err)
	require.NoError(t, ring.Activate(models.KeyNamespacePHISample, 1))
	return ring, svc
}

func strPtr(s string) *string { return &s }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestLogger_StartStop(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 2})

	require.NoError(t, l.Start())
	assert.True(t, l.GetStats().Started)

	err := l.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, l.Stop(time.Second))
	assert.False(t, l.GetStats().Started)

	err = l.Stop(time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already stopped")
}

func TestLogger_StopNotStarted(t *testing.T) {
	l := NewLogger(new(mocks.MockAuditRepository), nil, zap.NewNop(), DefaultConfig())
	err := l.Stop(time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestLogger_RecordEncryptsSample(t *testing.T) {
	ring, key := newTestKeyring(t)
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.AnythingOfType("*models.AuditRecord")).Return(nil)

	l := NewLogger(repo, ring, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	input := "Patient John Doe, SSN: 123-45-6789"
	result, err := phi.Detect(input)
	require.NoError(t, err)
	require.True(t, result.ContainsPHI)

	actor := uuid.New()
	dur := 42 * time.Millisecond
	id, err := l.Record(context.Background(), Options{
		ActorID:    &actor,
		ActorEmail: "dev@example.com",
		Action:     models.AuditActionPHIScan,
		Input:      &input,
		Success:    true,
		Caller:     CallerInfo{IP: "10.0.0.1", UserAgent: "curl/8"},
		PHIResult:  result,
		Duration:   &dur,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	require.NoError(t, l.Stop(time.Second))

	inserted := repo.Inserted()
	require.Len(t, inserted, 1)
	rec := inserted[0]

	assert.Equal(t, id, rec.EventID)
	assert.Equal(t, encryption.Hash(input), *rec.InputDigest)
	assert.True(t, rec.ContainsPHI)
	assert.Equal(t, result.Score, rec.PHIScore)
	assert.Equal(t, "10.0.0.1", *rec.CallerIP)
	assert.Equal(t, int64(42), *rec.DurationMillis)
	require.True(t, rec.HasEncryptedSample())
	assert.NotContains(t, *rec.EncryptedSample, "123-45-6789")
	assert.Equal(t, 1, *rec.SampleKeyVersion)

	plain, err := key.Decrypt(*rec.EncryptedSample)
	require.NoError(t, err)
	assert.Equal(t, input, plain)

	stats := l.GetStats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Persisted)
}

func TestLogger_SampleTruncated(t *testing.T) {
	ring, key := newTestKeyring(t)
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, ring, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	input := "SSN 123-45-6789 "
	for len([]rune(input)) < 2*SampleLength {
		input += "lorem ipsum "
	}
	_, err := l.Record(context.Background(), Options{
		Action:    models.AuditActionCodeGeneration,
		Input:     &input,
		Success:   true,
		PHIResult: &phi.Result{Score: 10, ContainsPHI: true},
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	plain, err := key.Decrypt(*rec.EncryptedSample)
	require.NoError(t, err)
	assert.Len(t, []rune(plain), SampleLength)
}

func TestLogger_NoSampleBelowThreshold(t *testing.T) {
	ring, _ := newTestKeyring(t)
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, ring, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	input := "call me at 555-123-4567"
	_, err := l.Record(context.Background(), Options{
		Action:    models.AuditActionPHIScan,
		Input:     &input,
		Success:   true,
		PHIResult: &phi.Result{Score: 3},
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	assert.False(t, rec.ContainsPHI)
	assert.Equal(t, 3, rec.PHIScore)
	assert.False(t, rec.HasEncryptedSample())
	assert.Nil(t, rec.SampleKeyVersion)
	assert.NotNil(t, rec.InputDigest)
}

func TestLogger_NoInput(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	_, err := l.Record(context.Background(), Options{
		Action:  models.AuditActionSettingsChange,
		Input:   strPtr(""),
		Success: true,
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	assert.Nil(t, rec.InputDigest)
	assert.False(t, rec.ContainsPHI)
}

func TestLogger_ErrorTextSanitized(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	_, err := l.Record(context.Background(), Options{
		Action:    models.AuditActionCodeUpload,
		Success:   false,
		ErrorText: "upload rejected for jane@example.com ssn 123-45-6789",
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	require.NotNil(t, rec.ErrorSummary)
	assert.NotContains(t, *rec.ErrorSummary, "jane@example.com")
	assert.NotContains(t, *rec.ErrorSummary, "123-45-6789")
	assert.Contains(t, *rec.ErrorSummary, "[EMAIL_REDACTED]")
}

func TestLogger_RequestIDInMetadata(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	_, err := l.Record(ctx, Options{
		Action:   models.AuditActionAuditExport,
		Success:  true,
		Metadata: map[string]interface{}{"rows": 3},
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	assert.JSONEq(t, `{"rows":3,"request_id":"req-123"}`, string(rec.Metadata))
}

func TestLogger_RecordValidation(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())
	defer l.Stop(time.Second)

	negative := -time.Second
	tests := []struct {
		name string
		opts Options
	}{
		{name: "unknown action", opts: Options{Action: models.AuditAction("delete_everything")}},
		{name: "empty action", opts: Options{}},
		{name: "negative duration", opts: Options{Action: models.AuditActionPHIScan, Duration: &negative}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := l.Record(context.Background(), tt.opts)
			assert.Error(t, err)
			assert.True(t, services.IsValidationError(err))
			assert.Equal(t, uuid.Nil, id)
		})
	}
	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestLogger_StorageFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewCounterMetrics()

	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	l := NewLogger(repo, nil, zap.New(core), Config{BufferSize: 10, WorkerCount: 1}).WithMetrics(metrics)
	require.NoError(t, l.Start())

	id, err := l.Record(context.Background(), Options{Action: models.AuditActionCodeGeneration, Success: true})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	require.NoError(t, l.Stop(time.Second))

	assert.Equal(t, int64(1), l.GetStats().Failed)
	assert.Equal(t, int64(1), metrics.AuditCount(observability.AuditLabels{
		Action:  string(models.AuditActionCodeGeneration),
		Outcome: "failed",
	}))

	entries := logs.FilterMessage("failed to persist audit record").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestLogger_PanickingRepositoryDoesNotKillWorker(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil).Once().Run(func(mock.Arguments) {
		panic("boom")
	})
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	for i := 0; i < 2; i++ {
		_, err := l.Record(context.Background(), Options{Action: models.AuditActionPHIScan, Success: true})
		require.NoError(t, err)
	}
	require.NoError(t, l.Stop(time.Second))

	stats := l.GetStats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Persisted)
}

func TestLogger_BufferFullDrops(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		<-release
	})

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, l.Start())
	defer func() {
		once.Do(func() { close(release) })
		_ = l.Stop(time.Second)
	}()

	// The first record occupies the worker, the second fills the buffer.
	_, err := l.Record(context.Background(), Options{Action: models.AuditActionPHIScan, Success: true})
	require.NoError(t, err)
	waitFor(t, func() bool { return l.GetStats().PendingEvents == 0 })

	_, err = l.Record(context.Background(), Options{Action: models.AuditActionPHIScan, Success: true})
	require.NoError(t, err)

	id, err := l.Record(context.Background(), Options{Action: models.AuditActionPHIScan, Success: true})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, int64(1), l.GetStats().Dropped)

	once.Do(func() { close(release) })
}

func TestLogger_RecordAfterStopDrops(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())
	require.NoError(t, l.Stop(time.Second))

	id, err := l.Record(context.Background(), Options{Action: models.AuditActionPHIScan, Success: true})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, int64(1), l.GetStats().Dropped)
	repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestLogger_RecordBlocking(t *testing.T) {
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, nil, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, l.Start())

	for i := 0; i < 5; i++ {
		_, err := l.RecordBlocking(context.Background(), Options{Action: models.AuditActionKeyRotation, Success: true})
		require.NoError(t, err)
	}
	require.NoError(t, l.Stop(time.Second))

	assert.Len(t, repo.Inserted(), 5)
	assert.Equal(t, int64(0), l.GetStats().Dropped)
}

func TestLogger_MissingKeyStoresRecordWithoutSample(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	repo := new(mocks.MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	l := NewLogger(repo, encryption.NewKeyring(), zap.New(core), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, l.Start())

	input := "SSN 123-45-6789"
	_, err := l.Record(context.Background(), Options{
		Action:    models.AuditActionPHIScan,
		Input:     &input,
		Success:   true,
		PHIResult: &phi.Result{Score: 10, ContainsPHI: true},
	})
	require.NoError(t, err)
	require.NoError(t, l.Stop(time.Second))

	rec := repo.Inserted()[0]
	assert.True(t, rec.ContainsPHI)
	assert.False(t, rec.HasEncryptedSample())
	assert.Equal(t, 1, logs.FilterMessage("failed to resolve sample key, storing record without sample").Len())
}

func TestExtractRequestContext(t *testing.T) {
	tests := []struct {
		name         string
		setupRequest func(*http.Request)
		expectedIP   string
	}{
		{
			name: "first X-Forwarded-For hop",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			},
			expectedIP: "203.0.113.7",
		},
		{
			name: "X-Real-IP header",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Real-IP", "192.168.1.2")
			},
			expectedIP: "192.168.1.2",
		},
		{
			name: "RemoteAddr host",
			setupRequest: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.3:8080"
			},
			expectedIP: "192.168.1.3",
		},
		{
			name: "RemoteAddr without port",
			setupRequest: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.4"
			},
			expectedIP: "192.168.1.4",
		},
		{
			name: "X-Forwarded-For takes precedence",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "192.168.1.1")
				r.Header.Set("X-Real-IP", "192.168.1.2")
				r.RemoteAddr = "192.168.1.3:8080"
			},
			expectedIP: "192.168.1.1",
		},
		{
			name: "over-long X-Forwarded-For hop falls through",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", strings.Repeat("A", 300)+", 10.0.0.1")
				r.RemoteAddr = "192.168.1.3:8080"
			},
			expectedIP: "192.168.1.3",
		},
		{
			name: "garbage X-Forwarded-For uses X-Real-IP",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "not-an-ip")
				r.Header.Set("X-Real-IP", " 192.168.1.2 ")
			},
			expectedIP: "192.168.1.2",
		},
		{
			name: "garbage X-Real-IP uses RemoteAddr",
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-Real-IP", "'; DROP TABLE audit_records; --")
				r.RemoteAddr = "[2001:db8::1]:443"
			},
			expectedIP: "2001:db8::1",
		},
		{
			name: "unparseable RemoteAddr yields empty IP",
			setupRequest: func(r *http.Request) {
				r.RemoteAddr = strings.Repeat("x", 100)
			},
			expectedIP: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("User-Agent", "audit-test/1.0")
			tt.setupRequest(req)

			info := ExtractRequestContext(req)
			assert.Equal(t, tt.expectedIP, info.IP)
			assert.LessOrEqual(t, len(info.IP), 45)
			assert.Equal(t, "audit-test/1.0", info.UserAgent)
		})
	}

	assert.Equal(t, CallerInfo{}, ExtractRequestContext(nil))
}
