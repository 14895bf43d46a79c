package compliance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services"
)

// ExportColumns is the fixed CSV header
var ExportColumns = []string{
	"timestamp",
	"actor_email",
	"action",
	"resource_type",
	"success",
	"phi_score",
	"risk_tier",
	"ip_address",
}

// ExportResult describes a completed export
type ExportResult struct {
	Filename string
	Rows     int
}

// ExportCSV writes every record matching filter to w as CSV. Pagination in
// filter is ignored. When more than ExportCeiling records match, nothing is
// written and an export limit error is returned.
func (s *Service) ExportCSV(ctx context.Context, filter models.AuditFilter, w io.Writer) (*ExportResult, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	filter.Limit = 0
	filter.Offset = 0

	matched, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	if matched > ExportCeiling {
		s.logger.Warn(ctx, "audit export rejected",
			zap.Int("matched", matched),
			zap.Int("ceiling", ExportCeiling))
		return nil, services.NewExportLimitError(ExportCeiling, matched)
	}

	// One row past the ceiling detects appends that landed after the count.
	filter.Limit = ExportCeiling + 1
	records, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	if len(records) > ExportCeiling {
		filter.Limit = 0
		if recount, err := s.repo.Count(ctx, filter); err == nil && recount > matched {
			matched = recount
		} else {
			matched = len(records)
		}
		s.logger.Warn(ctx, "audit export rejected after concurrent appends",
			zap.Int("matched", matched),
			zap.Int("ceiling", ExportCeiling))
		return nil, services.NewExportLimitError(ExportCeiling, matched)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportColumns); err != nil {
		return nil, fmt.Errorf("failed to write export header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(exportRow(rec)); err != nil {
			return nil, fmt.Errorf("failed to write export row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}

	return &ExportResult{
		Filename: ExportFilename(filter.From, filter.To),
		Rows:     len(records),
	}, nil
}

func exportRow(rec *models.AuditRecord) []string {
	return []string{
		rec.CreatedAt.UTC().Format(time.RFC3339),
		deref(rec.ActorEmail),
		string(rec.Action),
		deref(rec.ResourceType),
		strconv.FormatBool(rec.Success),
		strconv.Itoa(rec.PHIScore),
		string(rec.RiskTier()),
		deref(rec.CallerIP),
	}
}

// ExportFilename names an export after its date range. Open ends are "all".
func ExportFilename(from, to *time.Time) string {
	return fmt.Sprintf("audit-export_%s_%s.csv", formatDay(from), formatDay(to))
}

func formatDay(t *time.Time) string {
	if t == nil {
		return "all"
	}
	return t.UTC().Format("2006-01-02")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
