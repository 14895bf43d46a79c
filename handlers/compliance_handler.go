package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/compliance"
	"github.com/upb/phi-audit-core/utils"
)

// ComplianceService defines the query engine operations used by the handler
type ComplianceService interface {
	Query(ctx context.Context, filter models.AuditFilter) (*models.AuditQueryResult, error)
	ExportCSV(ctx context.Context, filter models.AuditFilter, w io.Writer) (*compliance.ExportResult, error)
	GetStatistics(ctx context.Context, window models.DateRange) (*models.AuditStatistics, error)
	GetActivityByAction(ctx context.Context, window models.DateRange) ([]*models.ActionActivity, error)
	GetTopActors(ctx context.Context, opts models.TopActorsOptions) ([]*models.ActorActivity, error)
}

// AuditRecorder records audited actions
type AuditRecorder interface {
	Record(ctx context.Context, opts audit.Options) (uuid.UUID, error)
}

// ComplianceHandler serves the audit trail to privileged callers
type ComplianceHandler struct {
	service ComplianceService
	audit   AuditRecorder
	logger  *zap.Logger
}

// NewComplianceHandler creates a new ComplianceHandler
func NewComplianceHandler(service ComplianceService, recorder AuditRecorder, logger *zap.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		service: service,
		audit:   recorder,
		logger:  logger,
	}
}

// auditLogsQuery holds the raw query string of the audit endpoints
type auditLogsQuery struct {
	ActorID     string `query:"actor_id" validate:"omitempty,uuid"`
	ActorEmail  string `query:"actor_email" validate:"omitempty,max=254"`
	Action      string `query:"action" validate:"omitempty,max=64"`
	ContainsPHI string `query:"contains_phi" validate:"omitempty,boolean"`
	RiskTier    string `query:"risk_tier" validate:"omitempty,oneof=none low medium high"`
	From        string `query:"from"`
	To          string `query:"to"`
	Limit       int    `query:"limit" validate:"gte=0"`
	Offset      int    `query:"offset" validate:"gte=0"`
}

// ListAuditLogsResponse is the body of GET /audit-logs
type ListAuditLogsResponse struct {
	Records    []*models.AuditRecord `json:"records"`
	TotalCount int                   `json:"total_count"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
	Summary    models.AuditSummary   `json:"summary"`
}

// HandleListAuditLogs handles GET /api/v1/compliance/audit-logs
func (h *ComplianceHandler) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.service.Query(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	limit := filter.Limit
	switch {
	case limit == 0:
		limit = compliance.DefaultPageSize
	case limit > compliance.MaxPageSize:
		limit = compliance.MaxPageSize
	}

	_ = utils.WriteOK(w, ListAuditLogsResponse{
		Records:    result.Records,
		TotalCount: result.TotalCount,
		Limit:      limit,
		Offset:     filter.Offset,
		Summary:    result.Summary,
	})
}

// HandleExportAuditLogs handles GET /api/v1/compliance/audit-logs/export.
// The CSV is buffered so a failed export never sends a partial file.
func (h *ComplianceHandler) HandleExportAuditLogs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	filter, err := parseAuditFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	var buf bytes.Buffer
	result, err := h.service.ExportCSV(r.Context(), filter, &buf)
	h.recordExport(r, filter, result, err, time.Since(start))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	utils.SetAttachment(w, result.Filename)
	w.Header().Set("X-Export-Rows", strconv.Itoa(result.Rows))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Error("failed to write export",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
	}
}

// recordExport audits the export attempt itself
func (h *ComplianceHandler) recordExport(r *http.Request, filter models.AuditFilter, result *compliance.ExportResult, exportErr error, elapsed time.Duration) {
	if h.audit == nil {
		return
	}

	opts := audit.Options{
		Action:       models.AuditActionAuditExport,
		ResourceType: "audit_records",
		Success:      exportErr == nil,
		Caller:       audit.ExtractRequestContext(r),
		Duration:     &elapsed,
		Metadata: map[string]interface{}{
			"filename": compliance.ExportFilename(filter.From, filter.To),
		},
	}
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		opts.ActorID = claims.ActorID()
		opts.ActorEmail = claims.Email
	}
	if result != nil {
		opts.Metadata["rows"] = result.Rows
	}
	if exportErr != nil {
		opts.ErrorText = exportErr.Error()
	}

	if _, err := h.audit.Record(r.Context(), opts); err != nil {
		h.logger.Error("failed to record audit export", zap.Error(err))
	}
}

// HandleGetStatistics handles GET /api/v1/compliance/statistics
func (h *ComplianceHandler) HandleGetStatistics(w http.ResponseWriter, r *http.Request) {
	window, err := parseDateRange(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	stats, err := h.service.GetStatistics(r.Context(), window)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, stats)
}

// HandleGetActivity handles GET /api/v1/compliance/activity
func (h *ComplianceHandler) HandleGetActivity(w http.ResponseWriter, r *http.Request) {
	window, err := parseDateRange(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	activity, err := h.service.GetActivityByAction(r.Context(), window)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, activity)
}

// HandleGetTopActors handles GET /api/v1/compliance/top-actors
func (h *ComplianceHandler) HandleGetTopActors(w http.ResponseWriter, r *http.Request) {
	window, err := parseDateRange(r)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	limit, err := parseInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	actors, err := h.service.GetTopActors(r.Context(), models.TopActorsOptions{Range: window, Limit: limit})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, actors)
}

// parseAuditFilter reads and validates the audit filter query parameters
func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()

	var filter models.AuditFilter
	raw := auditLogsQuery{
		ActorID:     q.Get("actor_id"),
		ActorEmail:  strings.TrimSpace(q.Get("actor_email")),
		Action:      q.Get("action"),
		ContainsPHI: q.Get("contains_phi"),
		RiskTier:    q.Get("risk_tier"),
		From:        q.Get("from"),
		To:          q.Get("to"),
	}

	var err error
	if raw.Limit, err = parseInt(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if raw.Offset, err = parseInt(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}

	if err := utils.ValidateStruct(&raw); err != nil {
		return filter, err
	}

	if raw.ActorID != "" {
		id := uuid.MustParse(raw.ActorID)
		filter.ActorID = &id
	}
	filter.ActorEmail = raw.ActorEmail
	if raw.Action != "" {
		action := models.AuditAction(raw.Action)
		filter.Action = &action
	}
	if raw.ContainsPHI != "" {
		v, _ := strconv.ParseBool(raw.ContainsPHI)
		filter.ContainsPHI = &v
	}
	if raw.RiskTier != "" {
		tier := models.RiskTier(raw.RiskTier)
		filter.RiskTier = &tier
	}

	window, err := parseDateRange(r)
	if err != nil {
		return filter, err
	}
	filter.From, filter.To = window.From, window.To
	filter.Limit, filter.Offset = raw.Limit, raw.Offset

	return filter, nil
}

// parseDateRange reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates.
// A date-only "to" covers the whole day.
func parseDateRange(r *http.Request) (models.DateRange, error) {
	q := r.URL.Query()
	var window models.DateRange

	from, err := parseTime(q.Get("from"), "from", false)
	if err != nil {
		return window, err
	}
	to, err := parseTime(q.Get("to"), "to", true)
	if err != nil {
		return window, err
	}

	window.From, window.To = from, to
	return window, nil
}

func parseTime(value, field string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		t = t.UTC()
		return &t, nil
	}
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, services.NewValidationError(field, field+" must be an RFC 3339 timestamp or a YYYY-MM-DD date")
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

func parseInt(value, field string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, services.NewValidationError(field, field+" must be an integer")
	}
	return n, nil
}
