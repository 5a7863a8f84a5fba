package models

import "time"

const (
	DefaultStartTime = "00:00"
	DefaultEndTime   = "01:00"
	DefaultLocation  = "N/A"
)

// ExtractedEvent is a calendar-worthy event derived from a message.
// Title and Date are required; the remaining fields are defaulted by
// ApplyDefaults.
type ExtractedEvent struct {
	Title       string `json:"title" validate:"required"`
	Date        string `json:"date" validate:"required"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

// ApplyDefaults fills missing optional fields.
func (e *ExtractedEvent) ApplyDefaults() {
	if e.StartTime == "" {
		e.StartTime = DefaultStartTime
	}
	if e.EndTime == "" {
		e.EndTime = DefaultEndTime
	}
	if e.Location == "" {
		e.Location = DefaultLocation
	}
}

// CachedEvent is an EventCache row: an event keyed by the message it came from.
type CachedEvent struct {
	UserID  string `db:"user_id"`
	EmailID string `db:"email_id"`
	ExtractedEvent
	AddedAt time.Time `db:"added_at"`
}
