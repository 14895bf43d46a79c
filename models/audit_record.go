package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionCodeGeneration       AuditAction = "code_generation"
	AuditActionCodeGenerationStream AuditAction = "code_generation_stream"
	AuditActionCodeUpload           AuditAction = "code_upload"
	AuditActionSettingsChange       AuditAction = "settings_change"
	AuditActionPHIScan              AuditAction = "phi_scan"
	AuditActionAuditExport          AuditAction = "audit_export"
	AuditActionKeyRotation          AuditAction = "key_rotation"
)

var validAuditActions = map[AuditAction]struct{}{
	AuditActionCodeGeneration:       {},
	AuditActionCodeGenerationStream: {},
	AuditActionCodeUpload:           {},
	AuditActionSettingsChange:       {},
	AuditActionPHIScan:              {},
	AuditActionAuditExport:          {},
	AuditActionKeyRotation:          {},
}

// IsValid reports whether a belongs to the closed action enumeration.
func (a AuditAction) IsValid() bool {
	_, ok := validAuditActions[a]
	return ok
}

// AuditActions returns every accepted action.
func AuditActions() []AuditAction {
	return []AuditAction{
		AuditActionCodeGeneration,
		AuditActionCodeGenerationStream,
		AuditActionCodeUpload,
		AuditActionSettingsChange,
		AuditActionPHIScan,
		AuditActionAuditExport,
		AuditActionKeyRotation,
	}
}

// InputDigestLength is the hex length of a SHA-256 input digest.
const InputDigestLength = 64

// AuditRecord is an immutable audit trail entry. ID and CreatedAt are
// assigned by the storage layer on insert.
type AuditRecord struct {
	ID               int64           `json:"id" db:"id"`
	EventID          uuid.UUID       `json:"event_id" db:"event_id"`
	ActorID          *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	ActorEmail       *string         `json:"actor_email,omitempty" db:"actor_email"`
	Action           AuditAction     `json:"action" db:"action"`
	ResourceType     *string         `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID       *string         `json:"resource_id,omitempty" db:"resource_id"`
	InputDigest      *string         `json:"input_digest,omitempty" db:"input_digest"`
	ContainsPHI      bool            `json:"contains_potential_phi" db:"contains_potential_phi"`
	PHIScore         int             `json:"phi_score" db:"phi_score"`
	EncryptedSample  *string         `json:"-" db:"encrypted_sample"`
	SampleKeyVersion *int            `json:"-" db:"sample_key_version"`
	Success          bool            `json:"success" db:"success"`
	ErrorSummary     *string         `json:"error_summary,omitempty" db:"error_summary"`
	CallerIP         *string         `json:"caller_ip,omitempty" db:"caller_ip"`
	CallerAgent      *string         `json:"caller_agent,omitempty" db:"caller_agent"`
	DurationMillis   *int64          `json:"duration_ms,omitempty" db:"duration_ms"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_records"
}

// NewAuditRecord creates a record with a fresh event ID
func NewAuditRecord(action AuditAction, success bool) *AuditRecord {
	return &AuditRecord{
		EventID: uuid.New(),
		Action:  action,
		Success: success,
	}
}

// RiskTier derives the tier from the stored score.
func (a *AuditRecord) RiskTier() RiskTier {
	return TierForScore(a.PHIScore)
}

// HasEncryptedSample reports whether a ciphertext sample is attached.
func (a *AuditRecord) HasEncryptedSample() bool {
	return a.EncryptedSample != nil && *a.EncryptedSample != ""
}

// WithActor sets the actor reference and the email snapshot
func (a *AuditRecord) WithActor(actorID *uuid.UUID, email string) *AuditRecord {
	a.ActorID = actorID
	if email != "" {
		a.ActorEmail = &email
	}
	return a
}

// WithResource sets the resource classifiers
func (a *AuditRecord) WithResource(resourceType, resourceID string) *AuditRecord {
	if resourceType != "" {
		a.ResourceType = &resourceType
	}
	if resourceID != "" {
		a.ResourceID = &resourceID
	}
	return a
}

// WithCaller sets request provenance
func (a *AuditRecord) WithCaller(ip, agent string) *AuditRecord {
	if ip != "" {
		a.CallerIP = &ip
	}
	if agent != "" {
		a.CallerAgent = &agent
	}
	return a
}

// WithPHI sets the detector verdict. The score is clamped and the flag is
// derived from it so the two can never disagree.
func (a *AuditRecord) WithPHI(score int) *AuditRecord {
	a.PHIScore = ClampScore(score)
	a.ContainsPHI = ContainsPHI(a.PHIScore)
	return a
}

// WithDuration sets the elapsed wall-clock time
func (a *AuditRecord) WithDuration(d time.Duration) *AuditRecord {
	ms := d.Milliseconds()
	a.DurationMillis = &ms
	return a
}

// WithMetadata sets the metadata
func (a *AuditRecord) WithMetadata(metadata map[string]interface{}) *AuditRecord {
	if len(metadata) == 0 {
		return a
	}
	if data, err := json.Marshal(metadata); err == nil {
		a.Metadata = data
	}
	return a
}
