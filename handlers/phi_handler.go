package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/internal/phi"
	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/usage"
	"github.com/upb/phi-audit-core/utils"
)

// maxDetectBodyBytes bounds the request body; multi-byte text up to
// phi.MaxTextLength characters fits with room for the JSON envelope.
const maxDetectBodyBytes = 1 << 20

// ScanCounter counts PHI scans per caller
type ScanCounter interface {
	RecordPHIScan(ctx context.Context, callerIP string) (*usage.Result, error)
}

// PHIHandler exposes the PHI detector over HTTP
type PHIHandler struct {
	detector *phi.Detector
	usage    ScanCounter
	audit    AuditRecorder
	metrics  observability.Metrics
	logger   *zap.Logger
}

// NewPHIHandler creates a new PHIHandler. counter may be nil to disable
// scan counting.
func NewPHIHandler(detector *phi.Detector, counter ScanCounter, recorder AuditRecorder, logger *zap.Logger) *PHIHandler {
	if detector == nil {
		detector = phi.NewDetector()
	}
	return &PHIHandler{
		detector: detector,
		usage:    counter,
		audit:    recorder,
		metrics:  observability.NopMetrics(),
		logger:   logger,
	}
}

// WithMetrics sets the collector that counts scans by tier
func (h *PHIHandler) WithMetrics(m observability.Metrics) *PHIHandler {
	if m != nil {
		h.metrics = m
	}
	return h
}

// DetectRequest is the body of POST /api/v1/phi/detect
type DetectRequest struct {
	Text string `json:"text"`
}

// DetectResponse carries the verdict and remediation hints
type DetectResponse struct {
	*phi.Result
	Suggestions []phi.Suggestion `json:"suggestions"`
}

// HandleDetect handles POST /api/v1/phi/detect
func (h *PHIHandler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller := audit.ExtractRequestContext(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxDetectBodyBytes)
	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = utils.WriteBadRequest(w, "Request body too large", map[string]interface{}{
				"max_length": phi.MaxTextLength,
			})
			return
		}
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := phi.ValidateText(req.Text); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if h.usage != nil {
		counted, err := h.usage.RecordPHIScan(r.Context(), caller.IP)
		if err != nil {
			// counting is best effort
			h.logger.Warn("failed to record phi scan usage",
				zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
				zap.Error(err))
		} else if !counted.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(counted.ResetAt)))
			_ = utils.WriteTooManyRequests(w, "Daily PHI scan limit reached", map[string]interface{}{
				"limit":    counted.Limit,
				"reset_at": counted.ResetAt.Format(time.RFC3339),
			})
			return
		}
	}

	result, err := h.detector.Detect(req.Text)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.metrics.RecordScan(r.Context(), string(result.Confidence))
	elapsed := time.Since(start)
	h.recordScan(r, req.Text, result, caller, elapsed)

	_ = utils.WriteOK(w, DetectResponse{
		Result:      result,
		Suggestions: h.detector.SuggestSanitizations(result.Findings),
	})
}

func (h *PHIHandler) recordScan(r *http.Request, text string, result *phi.Result, caller audit.CallerInfo, elapsed time.Duration) {
	if h.audit == nil {
		return
	}

	opts := audit.Options{
		Action:       models.AuditActionPHIScan,
		ResourceType: "text",
		Input:        &text,
		Success:      true,
		Caller:       caller,
		PHIResult:    result,
		Duration:     &elapsed,
		Metadata: map[string]interface{}{
			"finding_types": len(result.Findings),
			"test_data":     result.TestDataHint,
		},
	}
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		opts.ActorID = claims.ActorID()
		opts.ActorEmail = claims.Email
	}

	if _, err := h.audit.Record(r.Context(), opts); err != nil {
		h.logger.Error("failed to record phi scan", zap.Error(err))
	}
}

func retryAfterSeconds(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
