package integrity

import (
	"time"

	"AI_PROCTOR/go-monitor/internal/models"
)

type Status int

const (
	StatusNotStarted Status = iota
	StatusMonitoring
	StatusTerminated
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusMonitoring:
		return "monitoring"
	case StatusTerminated:
		return "terminated"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

type ConnectionStatus int

const (
	ConnDisconnected ConnectionStatus = iota
	ConnConnected
	ConnError
)

func (c ConnectionStatus) String() string {
	switch c {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnected:
		return "connected"
	case ConnError:
		return "error"
	}
	return "unknown"
}

// ViolationRecord is one scored violation. Records are immutable once
// appended; Digest chains each record to the one before it.
type ViolationRecord struct {
	Seq              int
	Time             time.Time
	Kind             string
	Description      string
	BehaviorSnapshot string
	ChancesRemaining int
	Digest           string
}

// Warning is the short-lived notice raised with every penalty.
type Warning struct {
	Kind             string
	Message          string
	ChancesRemaining int
	RaisedAt         time.Time
	ExpiresAt        time.Time
}

// Display is the latest inference output, kept for rendering only. It has
// no influence on scoring.
type Display struct {
	BehaviorStatus     string
	DevicesDetected    []string
	Alerts             []models.ViolationKind
	Confidence         float64
	Metrics            models.Metrics
	VisualizationImage []byte
	ServerTimestamp    time.Time
	UpdatedAt          time.Time
}

// Session is the integrity state of one monitoring run.
type Session struct {
	ID               string
	StartedAt        time.Time
	ChancesRemaining int
	Status           Status
	PendingGazeSince *time.Time
	Connection       ConnectionStatus

	// Violations holds the most recent records, oldest first.
	Violations      []ViolationRecord
	TotalViolations int
	Warning         *Warning
	Display         Display
}

// ActiveWarning returns the last warning if it has not expired at now.
func (s *Session) ActiveWarning(now time.Time) *Warning {
	if s.Warning == nil || !now.Before(s.Warning.ExpiresAt) {
		return nil
	}
	return s.Warning
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Session) Clone() Session {
	out := s
	if s.PendingGazeSince != nil {
		t := *s.PendingGazeSince
		out.PendingGazeSince = &t
	}
	out.Violations = append([]ViolationRecord(nil), s.Violations...)
	if s.Warning != nil {
		w := *s.Warning
		out.Warning = &w
	}
	out.Display.DevicesDetected = append([]string(nil), s.Display.DevicesDetected...)
	out.Display.Alerts = append([]models.ViolationKind(nil), s.Display.Alerts...)
	out.Display.VisualizationImage = append([]byte(nil), s.Display.VisualizationImage...)
	return out
}
