// Package integrity scores inference results against a learner's budget of
// chances and decides when an assessment must be terminated.
//
// A Machine is not safe for concurrent use. It is meant to be owned by a
// single goroutine that feeds it results in delivery order; each call to
// Handle resolves debounce and scoring completely before returning.
package integrity

import (
	"fmt"
	"strings"
	"time"

	"AI_PROCTOR/go-monitor/internal/models"
)

type Config struct {
	InitialChances int
	GazeThreshold  time.Duration
	HistoryLimit   int
	WarningTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialChances: 3,
		GazeThreshold:  3 * time.Second,
		HistoryLimit:   20,
		WarningTTL:     4 * time.Second,
	}
}

// Outcome is what one Handle call decided.
type Outcome struct {
	Penalty    *ViolationRecord
	Warning    *Warning
	Terminated bool
}

type Machine struct {
	cfg     Config
	session Session
	seq     int
	prev    string
}

func NewMachine(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.InitialChances <= 0 {
		cfg.InitialChances = def.InitialChances
	}
	if cfg.GazeThreshold <= 0 {
		cfg.GazeThreshold = def.GazeThreshold
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.WarningTTL <= 0 {
		cfg.WarningTTL = def.WarningTTL
	}
	return &Machine{
		cfg: cfg,
		session: Session{
			ChancesRemaining: cfg.InitialChances,
			Status:           StatusNotStarted,
		},
	}
}

// Start resets the session and enters Monitoring.
func (m *Machine) Start(id string, now time.Time) {
	m.session = Session{
		ID:               id,
		StartedAt:        now,
		ChancesRemaining: m.cfg.InitialChances,
		Status:           StatusMonitoring,
		Connection:       ConnDisconnected,
	}
	m.seq = 0
	m.prev = ""
}

// Stop moves a monitoring session to Stopped. A terminated session keeps its
// status. It reports whether the status changed.
func (m *Machine) Stop() bool {
	if m.session.Status != StatusMonitoring {
		return false
	}
	m.session.Status = StatusStopped
	m.session.PendingGazeSince = nil
	m.session.Connection = ConnDisconnected
	return true
}

func (m *Machine) SetConnection(c ConnectionStatus) {
	if m.session.Status != StatusMonitoring {
		return
	}
	m.session.Connection = c
}

func (m *Machine) Status() Status {
	return m.session.Status
}

// Snapshot returns a deep copy of the session.
func (m *Machine) Snapshot() Session {
	return m.session.Clone()
}

// Handle applies one inbound result. Results received outside Monitoring
// are ignored.
func (m *Machine) Handle(r *models.InboundResult, now time.Time) Outcome {
	if r == nil || m.session.Status != StatusMonitoring {
		return Outcome{}
	}

	m.publish(r, now)

	if r.Clean() {
		m.session.PendingGazeSince = nil
		return Outcome{}
	}

	if gazeOnly(r.Alerts) {
		return m.observeGaze(r, now)
	}

	m.session.PendingGazeSince = nil

	var kinds []models.ViolationKind
	var descs []string
	for _, k := range r.Alerts {
		if k == models.KindGazeOffScreen {
			continue
		}
		kinds = append(kinds, k)
		descs = append(descs, describe(k))
	}
	return m.penalize(models.JoinKinds(kinds), strings.Join(descs, "; "), r.BehaviorStatus, now)
}

// observeGaze debounces gaze_off_screen: only an uninterrupted run reaching
// the threshold costs a chance, and the run restarts after each penalty.
func (m *Machine) observeGaze(r *models.InboundResult, now time.Time) Outcome {
	if m.session.PendingGazeSince == nil {
		since := now
		m.session.PendingGazeSince = &since
		return Outcome{}
	}

	elapsed := now.Sub(*m.session.PendingGazeSince)
	if elapsed < m.cfg.GazeThreshold {
		return Outcome{}
	}

	m.session.PendingGazeSince = nil
	desc := fmt.Sprintf("Looking away from the screen for %.1fs", elapsed.Seconds())
	return m.penalize(string(models.KindGazeOffScreen), desc, r.BehaviorStatus, now)
}

func (m *Machine) penalize(kind, description, behavior string, now time.Time) Outcome {
	if m.session.ChancesRemaining > 0 {
		m.session.ChancesRemaining--
	}
	m.seq++

	rec := ViolationRecord{
		Seq:              m.seq,
		Time:             now.UTC().Truncate(time.Microsecond),
		Kind:             kind,
		Description:      description,
		BehaviorSnapshot: behavior,
		ChancesRemaining: m.session.ChancesRemaining,
	}
	rec.Digest = chainDigest(m.prev, rec)
	m.prev = rec.Digest

	m.session.Violations = append(m.session.Violations, rec)
	if over := len(m.session.Violations) - m.cfg.HistoryLimit; over > 0 {
		m.session.Violations = append([]ViolationRecord(nil), m.session.Violations[over:]...)
	}
	m.session.TotalViolations++

	out := Outcome{Penalty: &rec}

	w := &Warning{
		Kind:             kind,
		ChancesRemaining: m.session.ChancesRemaining,
		RaisedAt:         now,
		ExpiresAt:        now.Add(m.cfg.WarningTTL),
	}
	if m.session.ChancesRemaining == 0 {
		m.session.Status = StatusTerminated
		m.session.PendingGazeSince = nil
		w.Message = fmt.Sprintf("%s. No chances remaining, the assessment has been terminated.", description)
		out.Terminated = true
	} else {
		w.Message = fmt.Sprintf("%s. %d %s remaining.", description, m.session.ChancesRemaining,
			plural(m.session.ChancesRemaining, "chance", "chances"))
	}
	m.session.Warning = w
	wc := *w
	out.Warning = &wc

	return out
}

func (m *Machine) publish(r *models.InboundResult, now time.Time) {
	m.session.Display = Display{
		BehaviorStatus:     r.BehaviorStatus,
		DevicesDetected:    append([]string(nil), r.DevicesDetected...),
		Alerts:             append([]models.ViolationKind(nil), r.Alerts...),
		Confidence:         r.Confidence,
		Metrics:            r.Metrics,
		VisualizationImage: r.VisualizationImage,
		ServerTimestamp:    r.ServerTimestamp,
		UpdatedAt:          now,
	}
}

func gazeOnly(kinds []models.ViolationKind) bool {
	for _, k := range kinds {
		if k != models.KindGazeOffScreen {
			return false
		}
	}
	return len(kinds) > 0
}

var descriptions = map[models.ViolationKind]string{
	models.KindMultipleFaces:         "Multiple faces detected",
	models.KindNoFaceDetected:        "No face detected",
	models.KindGazeOffScreen:         "Looking away from the screen",
	models.KindHeadPoseSuspicious:    "Suspicious head position",
	models.KindExcessiveHeadMovement: "Excessive head movement",
	models.KindHandNearFace:          "Hand near face",
	models.KindLookingDown:           "Looking down",
	models.KindDevicePhone:           "Phone detected",
	models.KindDeviceLaptop:          "Laptop detected",
	models.KindDeviceSecondaryScreen: "Secondary screen detected",
}

func describe(k models.ViolationKind) string {
	if d, ok := descriptions[k]; ok {
		return d
	}
	if k.IsDevice() {
		return "Device detected: " + strings.ReplaceAll(strings.TrimPrefix(string(k), "device_detected_"), "_", " ")
	}
	return "Violation: " + strings.ReplaceAll(string(k), "_", " ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
