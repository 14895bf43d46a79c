package models

import "time"

// UsageCounter is a per-caller counter bucketed by window start.
type UsageCounter struct {
	Key         string    `json:"key" db:"key"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	Count       int64     `json:"count" db:"count"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the UsageCounter model
func (UsageCounter) TableName() string {
	return "usage_counters"
}
