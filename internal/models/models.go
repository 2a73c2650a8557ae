package models

import "time"

// Metrics is the per-frame measurement block reported alongside a result.
type Metrics struct {
	NumFaces         int     `json:"num_faces" msgpack:"num_faces"`
	GazeHorizontal   float64 `json:"gaze_horizontal" msgpack:"gaze_horizontal"`
	GazeVertical     float64 `json:"gaze_vertical" msgpack:"gaze_vertical"`
	EAR              float64 `json:"ear" msgpack:"ear"`
	ProcessingTimeMs float64 `json:"processing_time_ms" msgpack:"processing_time_ms"`
	FPS              float64 `json:"fps" msgpack:"fps"`
}

// InboundResult is a decoded result message. Alerts holds the split kinds
// of the alert field; an empty slice means the frame was clean.
type InboundResult struct {
	BehaviorStatus     string
	DevicesDetected    []string
	Alerts             []ViolationKind
	Confidence         float64
	Metrics            Metrics
	VisualizationImage []byte
	ServerTimestamp    time.Time
}

// Clean reports whether the result carries no violation.
func (r *InboundResult) Clean() bool {
	return len(r.Alerts) == 0
}

// Session outcomes as reported to the audit sinks.
const (
	OutcomeMonitoring = "monitoring"
	OutcomeSubmitted  = "submitted"
	OutcomeTerminated = "terminated"
	OutcomeStopped    = "stopped"
)

// SessionRecord is the persisted outcome of one monitoring session.
type SessionRecord struct {
	ID               string     `json:"id" msgpack:"id"`
	StartTime        time.Time  `json:"start_time" msgpack:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty" msgpack:"end_time,omitempty"`
	Outcome          string     `json:"outcome" msgpack:"outcome"`
	ChancesRemaining int        `json:"chances_remaining" msgpack:"chances_remaining"`
	ViolationCount   int        `json:"violation_count" msgpack:"violation_count"`
}

// ViolationRow is a ViolationRecord as stored by the audit sinks.
type ViolationRow struct {
	SessionID        string    `json:"session_id" msgpack:"session_id"`
	Seq              int       `json:"seq" msgpack:"seq"`
	Time             time.Time `json:"time" msgpack:"time"`
	Kind             string    `json:"kind" msgpack:"kind"`
	Description      string    `json:"description" msgpack:"description"`
	BehaviorSnapshot string    `json:"behavior_snapshot" msgpack:"behavior_snapshot"`
	ChancesRemaining int       `json:"chances_remaining" msgpack:"chances_remaining"`
	Digest           string    `json:"digest" msgpack:"digest"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
	Code      string `json:"code,omitempty"`
}

type HealthStatus struct {
	Status        string `json:"status"`
	GoBackend     string `json:"go_backend"`
	ActiveClients int    `json:"active_clients"`
	UptimeSec     int64  `json:"uptime_sec"`
	Version       string `json:"version,omitempty"`
}
