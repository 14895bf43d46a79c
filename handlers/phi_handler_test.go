package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/internal/phi"
	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/usage"
)

type mockScanCounter struct {
	mock.Mock
}

func (m *mockScanCounter) RecordPHIScan(ctx context.Context, callerIP string) (*usage.Result, error) {
	args := m.Called(ctx, callerIP)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*usage.Result), args.Error(1)
}

func detectRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/phi/detect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:4321"
	return req
}

func TestHandleDetect(t *testing.T) {
	t.Run("returns verdict and suggestions", func(t *testing.T) {
		counter := new(mockScanCounter)
		recorder := new(mockAuditRecorder)
		handler := NewPHIHandler(nil, counter, recorder, zap.NewNop())

		counter.On("RecordPHIScan", mock.Anything, "203.0.113.7").
			Return(&usage.Result{Count: 1, Allowed: true}, nil)

		actorID := uuid.New()
		recorder.On("Record", mock.Anything, mock.MatchedBy(func(o audit.Options) bool {
			return o.Action == models.AuditActionPHIScan &&
				o.Input != nil && *o.Input == "ssn 123-45-6789" &&
				o.PHIResult != nil && o.PHIResult.ContainsPHI &&
				o.Caller.IP == "203.0.113.7" &&
				o.ActorID != nil && *o.ActorID == actorID
		})).Return(uuid.New(), nil)

		req := detectRequest(`{"text":"ssn 123-45-6789"}`)
		req = req.WithContext(middleware.WithClaims(req.Context(), &middleware.Claims{Sub: actorID.String()}))
		w := httptest.NewRecorder()
		handler.HandleDetect(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, true, data["contains_phi"])
		assert.Equal(t, float64(10), data["score"])
		assert.Equal(t, "medium", data["confidence"])
		suggestions, ok := data["suggestions"].([]interface{})
		require.True(t, ok)
		require.Len(t, suggestions, 1)
		assert.Equal(t, "ssn", suggestions[0].(map[string]interface{})["type"])

		counter.AssertExpectations(t)
		recorder.AssertExpectations(t)
	})

	t.Run("clean text", func(t *testing.T) {
		recorder := new(mockAuditRecorder)
		metrics := observability.NewCounterMetrics()
		handler := NewPHIHandler(phi.NewDetector(), nil, recorder, zap.NewNop()).WithMetrics(metrics)
		recorder.On("Record", mock.Anything, mock.Anything).Return(uuid.New(), nil)

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(`{"text":"func main() {}"}`))

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, false, data["contains_phi"])
		assert.Equal(t, "none", data["confidence"])
		assert.Empty(t, data["suggestions"])
		assert.Equal(t, int64(1), metrics.Snapshot().ScansByTier["none"])
	})

	t.Run("empty text", func(t *testing.T) {
		counter := new(mockScanCounter)
		recorder := new(mockAuditRecorder)
		handler := NewPHIHandler(nil, counter, recorder, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(`{"text":""}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		counter.AssertNotCalled(t, "RecordPHIScan", mock.Anything, mock.Anything)
		recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	})

	t.Run("oversized text", func(t *testing.T) {
		handler := NewPHIHandler(nil, nil, nil, zap.NewNop())

		body, err := json.Marshal(DetectRequest{Text: strings.Repeat("a", phi.MaxTextLength+1)})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(string(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		handler := NewPHIHandler(nil, nil, nil, zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(`{"text":`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("daily limit reached", func(t *testing.T) {
		counter := new(mockScanCounter)
		recorder := new(mockAuditRecorder)
		handler := NewPHIHandler(nil, counter, recorder, zap.NewNop())

		counter.On("RecordPHIScan", mock.Anything, mock.Anything).Return(&usage.Result{
			Count:   101,
			Limit:   100,
			Allowed: false,
			ResetAt: time.Now().Add(time.Hour),
		}, nil)

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(`{"text":"hello"}`))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
	})

	t.Run("counter failure does not block detection", func(t *testing.T) {
		counter := new(mockScanCounter)
		handler := NewPHIHandler(nil, counter, nil, zap.NewNop())
		counter.On("RecordPHIScan", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		w := httptest.NewRecorder()
		handler.HandleDetect(w, detectRequest(`{"text":"hello"}`))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
