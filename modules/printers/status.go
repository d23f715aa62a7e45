package printers

import (
	"time"
)

// State is the normalized live state of a printer.
type State string

const (
	StateUnknown  State = "unknown"
	StateIdle     State = "idle"
	StatePrinting State = "printing"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// MonitoringState is the driver lifecycle state, persisted on the printer row.
type MonitoringState string

const (
	MonitoringDisconnected MonitoringState = "disconnected"
	MonitoringConnecting   MonitoringState = "connecting"
	MonitoringConnected    MonitoringState = "connected"
	MonitoringDegraded     MonitoringState = "degraded"
	MonitoringFailed       MonitoringState = "failed"
	MonitoringSuspended    MonitoringState = "suspended"
)

// Status is one normalized observation of a printer. Nil pointers mean the
// vendor surface didn't report the field.
type Status struct {
	PrinterID   string `json:"printer_id"`
	PrinterName string `json:"printer_name"`
	State       State  `json:"state"`

	BedCurrent    *float64 `json:"bed_current,omitempty"`
	BedTarget     *float64 `json:"bed_target,omitempty"`
	NozzleCurrent *float64 `json:"nozzle_current,omitempty"`
	NozzleTarget  *float64 `json:"nozzle_target,omitempty"`

	PercentComplete  *int       `json:"percent_complete,omitempty"`
	CurrentLayer     *int       `json:"current_layer,omitempty"`
	TotalLayers      *int       `json:"total_layers,omitempty"`
	RemainingMinutes *int       `json:"remaining_minutes,omitempty"`
	ElapsedMinutes   *int       `json:"elapsed_minutes,omitempty"`
	PrintStart       *time.Time `json:"print_start,omitempty"`
	EstimatedEnd     *time.Time `json:"estimated_end,omitempty"`

	JobFilename     string `json:"current_job_filename,omitempty"`
	JobFileKey      string `json:"current_job_file_id,omitempty"`
	JobHasThumbnail bool   `json:"current_job_has_thumbnail,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`

	ObservedAt time.Time `json:"last_observed_at"`
}

// Equivalent reports whether two statuses describe the same observable state,
// ignoring the observation timestamp. Used to suppress no-op status events.
func (s *Status) Equivalent(other *Status) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.State == other.State &&
		floatEq(s.BedCurrent, other.BedCurrent) &&
		floatEq(s.BedTarget, other.BedTarget) &&
		floatEq(s.NozzleCurrent, other.NozzleCurrent) &&
		floatEq(s.NozzleTarget, other.NozzleTarget) &&
		intEq(s.PercentComplete, other.PercentComplete) &&
		intEq(s.CurrentLayer, other.CurrentLayer) &&
		intEq(s.RemainingMinutes, other.RemainingMinutes) &&
		s.JobFilename == other.JobFilename &&
		s.ErrorCode == other.ErrorCode
}

func floatEq(a, b *float64) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	return *a == *b
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	return *a == *b
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func timePtr(t time.Time) *time.Time { return &t }

// RemoteFile is one file from a printer's file inventory.
type RemoteFile struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Modified  time.Time `json:"modified,omitempty"`
}
