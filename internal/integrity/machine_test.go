package integrity

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AI_PROCTOR/go-monitor/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(math.Round(seconds*1000)) * time.Millisecond)
}

func result(alert string) *models.InboundResult {
	return &models.InboundResult{
		BehaviorStatus: "status for " + alert,
		Alerts:         models.ParseAlert(alert),
	}
}

func started(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(DefaultConfig())
	m.Start("session-1", t0)
	require.Equal(t, StatusMonitoring, m.Status())
	return m
}

func TestNewMachineInitialState(t *testing.T) {
	m := NewMachine(Config{})
	s := m.Snapshot()
	assert.Equal(t, StatusNotStarted, s.Status)
	assert.Equal(t, 3, s.ChancesRemaining)

	out := m.Handle(result("multiple_faces"), t0)
	assert.Nil(t, out.Penalty, "results before Start are ignored")
}

func TestGazeDebounceDeductsOnceAtThreshold(t *testing.T) {
	m := started(t)

	for _, sec := range []float64{0, 1, 2, 2.9} {
		out := m.Handle(result("gaze_off_screen"), at(sec))
		assert.Nil(t, out.Penalty, "no deduction at t=%.1fs", sec)
	}
	assert.Equal(t, 3, m.Snapshot().ChancesRemaining)
	require.NotNil(t, m.Snapshot().PendingGazeSince)
	assert.Equal(t, at(0), *m.Snapshot().PendingGazeSince)

	out := m.Handle(result("gaze_off_screen"), at(3.1))
	require.NotNil(t, out.Penalty)
	assert.Equal(t, "gaze_off_screen", out.Penalty.Kind)
	assert.Contains(t, out.Penalty.Description, "3.1s")
	assert.Equal(t, "status for gaze_off_screen", out.Penalty.BehaviorSnapshot)
	require.NotNil(t, out.Warning)
	assert.Equal(t, 2, out.Warning.ChancesRemaining)

	s := m.Snapshot()
	assert.Equal(t, 2, s.ChancesRemaining)
	assert.Nil(t, s.PendingGazeSince, "accumulator resets after the penalty")
}

func TestGazeDebounceRequiresFreshWindowAfterPenalty(t *testing.T) {
	m := started(t)

	m.Handle(result("gaze_off_screen"), at(0))
	out := m.Handle(result("gaze_off_screen"), at(3))
	require.NotNil(t, out.Penalty)

	// The run that continues after the penalty starts a new window.
	for _, sec := range []float64{3.2, 4, 5, 6.1} {
		out = m.Handle(result("gaze_off_screen"), at(sec))
		assert.Nil(t, out.Penalty, "t=%.1fs", sec)
	}
	out = m.Handle(result("gaze_off_screen"), at(6.2))
	require.NotNil(t, out.Penalty)
	assert.Equal(t, 1, m.Snapshot().ChancesRemaining)
}

func TestGazeInterruptedRunRestartsClock(t *testing.T) {
	m := started(t)

	steps := []struct {
		sec   float64
		alert string
	}{
		{0, "gaze_off_screen"},
		{1, "none"},
		{1.5, "gaze_off_screen"},
		{4.4, "gaze_off_screen"},
	}
	for _, st := range steps {
		out := m.Handle(result(st.alert), at(st.sec))
		assert.Nil(t, out.Penalty, "t=%.1fs %s", st.sec, st.alert)
	}

	s := m.Snapshot()
	assert.Equal(t, 3, s.ChancesRemaining)
	require.NotNil(t, s.PendingGazeSince)
	assert.Equal(t, at(1.5), *s.PendingGazeSince)
	assert.Empty(t, s.Violations)
}

func TestGazeInterruptedByOtherViolation(t *testing.T) {
	m := started(t)

	m.Handle(result("gaze_off_screen"), at(0))
	out := m.Handle(result("hand_near_face"), at(2))
	require.NotNil(t, out.Penalty)
	assert.Nil(t, m.Snapshot().PendingGazeSince)

	out = m.Handle(result("gaze_off_screen"), at(3.5))
	assert.Nil(t, out.Penalty, "gaze run restarted at 3.5s")
	assert.Equal(t, 2, m.Snapshot().ChancesRemaining)
}

func TestNonGazeViolationsScoreImmediately(t *testing.T) {
	kinds := []string{
		"multiple_faces", "no_face_detected", "head_pose_suspicious",
		"excessive_head_movement", "hand_near_face", "looking_down",
		"device_detected_phone", "device_detected_laptop",
		"device_detected_secondary_screen", "device_detected_smartwatch",
		"something_new",
	}
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			m := started(t)
			m.Handle(result("gaze_off_screen"), at(0))

			out := m.Handle(result(kind), at(0.5))
			require.NotNil(t, out.Penalty)
			assert.Equal(t, kind, out.Penalty.Kind)
			assert.NotEmpty(t, out.Penalty.Description)

			s := m.Snapshot()
			assert.Equal(t, 2, s.ChancesRemaining)
			assert.Nil(t, s.PendingGazeSince)
			assert.Len(t, s.Violations, 1)
		})
	}
}

func TestCompositeAlertCostsOneChance(t *testing.T) {
	m := started(t)
	m.Handle(result("gaze_off_screen"), at(0))

	out := m.Handle(result("multiple_faces AND gaze_off_screen AND device_detected_phone"), at(1))
	require.NotNil(t, out.Penalty)
	assert.Equal(t, "multiple_faces AND device_detected_phone", out.Penalty.Kind)
	assert.Equal(t, "Multiple faces detected; Phone detected", out.Penalty.Description)
	assert.Equal(t, 2, m.Snapshot().ChancesRemaining)
	assert.Nil(t, m.Snapshot().PendingGazeSince)
}

func TestCompositeGazeOnlyIsDebounced(t *testing.T) {
	m := started(t)
	out := m.Handle(result("gaze_off_screen AND gaze_off_screen"), at(0))
	assert.Nil(t, out.Penalty)
	assert.NotNil(t, m.Snapshot().PendingGazeSince)
}

func TestPhoneThreeTimesTerminates(t *testing.T) {
	m := started(t)

	var chances []int
	var terminated []bool
	for i := 0; i < 3; i++ {
		out := m.Handle(result("device_detected_phone"), at(float64(2*i)))
		require.NotNil(t, out.Penalty)
		chances = append(chances, m.Snapshot().ChancesRemaining)
		terminated = append(terminated, out.Terminated)
	}

	assert.Equal(t, []int{2, 1, 0}, chances)
	assert.Equal(t, []bool{false, false, true}, terminated)

	s := m.Snapshot()
	assert.Equal(t, StatusTerminated, s.Status)
	require.NotNil(t, s.Warning)
	assert.Contains(t, s.Warning.Message, "terminated")

	// Terminated is absorbing.
	out := m.Handle(result("device_detected_phone"), at(8))
	assert.Nil(t, out.Penalty)
	assert.False(t, out.Terminated)
	assert.False(t, m.Stop())
	assert.Equal(t, StatusTerminated, m.Snapshot().Status)
	assert.Equal(t, 0, m.Snapshot().ChancesRemaining)
	assert.Len(t, m.Snapshot().Violations, 3)
}

func TestChancesMonotonicAndNeverNegative(t *testing.T) {
	m := NewMachine(Config{InitialChances: 5})
	m.Start("s", t0)

	alerts := []string{"none", "gaze_off_screen", "multiple_faces", "none", "gaze_off_screen",
		"gaze_off_screen", "gaze_off_screen", "looking_down", "none", "no_face_detected",
		"device_detected_laptop", "multiple_faces", "multiple_faces"}

	prev := m.Snapshot().ChancesRemaining
	terminations := 0
	for i, a := range alerts {
		out := m.Handle(result(a), at(float64(i)*1.6))
		if out.Terminated {
			terminations++
		}
		cur := m.Snapshot().ChancesRemaining
		assert.LessOrEqual(t, cur, prev)
		assert.GreaterOrEqual(t, cur, 0)
		prev = cur
	}
	assert.Equal(t, 1, terminations)
	assert.Equal(t, StatusTerminated, m.Status())
}

func TestStopPreventsFurtherRecords(t *testing.T) {
	m := started(t)
	m.Handle(result("gaze_off_screen"), at(0))
	m.SetConnection(ConnConnected)

	require.True(t, m.Stop())
	s := m.Snapshot()
	assert.Equal(t, StatusStopped, s.Status)
	assert.Nil(t, s.PendingGazeSince)
	assert.Equal(t, ConnDisconnected, s.Connection)

	out := m.Handle(result("multiple_faces"), at(1))
	assert.Nil(t, out.Penalty)
	m.SetConnection(ConnConnected)
	assert.Equal(t, ConnDisconnected, m.Snapshot().Connection)
	assert.Empty(t, m.Snapshot().Violations)
	assert.Equal(t, 3, m.Snapshot().ChancesRemaining)
}

func TestStartResetsSession(t *testing.T) {
	m := started(t)
	m.Handle(result("multiple_faces"), at(0))
	m.Stop()

	m.Start("session-2", at(10))
	s := m.Snapshot()
	assert.Equal(t, "session-2", s.ID)
	assert.Equal(t, 3, s.ChancesRemaining)
	assert.Empty(t, s.Violations)
	assert.Zero(t, s.TotalViolations)
	assert.Nil(t, s.Warning)
	assert.Equal(t, StatusMonitoring, s.Status)
}

func TestDisplayIndependentOfScoring(t *testing.T) {
	m := started(t)
	r := &models.InboundResult{
		BehaviorStatus:     "Focused",
		DevicesDetected:    []string{"phone"},
		Confidence:         0.82,
		Metrics:            models.Metrics{NumFaces: 1, GazeHorizontal: 4.5, FPS: 12},
		VisualizationImage: []byte{1, 2, 3},
	}
	out := m.Handle(r, at(1))
	assert.Nil(t, out.Penalty)

	d := m.Snapshot().Display
	assert.Equal(t, "Focused", d.BehaviorStatus)
	assert.Equal(t, []string{"phone"}, d.DevicesDetected)
	assert.Equal(t, 1, d.Metrics.NumFaces)
	assert.Equal(t, []byte{1, 2, 3}, d.VisualizationImage)
	assert.Equal(t, at(1), d.UpdatedAt)
	assert.Equal(t, 3, m.Snapshot().ChancesRemaining)
}

func TestViolationHistoryIsBounded(t *testing.T) {
	m := NewMachine(Config{InitialChances: 100, HistoryLimit: 4})
	m.Start("s", t0)

	for i := 0; i < 10; i++ {
		m.Handle(result("multiple_faces"), at(float64(i)))
	}

	s := m.Snapshot()
	require.Len(t, s.Violations, 4)
	assert.Equal(t, 7, s.Violations[0].Seq, "oldest entries dropped first")
	assert.Equal(t, 10, s.Violations[3].Seq)
	assert.Equal(t, 10, s.TotalViolations)
	assert.NoError(t, VerifyChain(s.Violations[0].Digest, s.Violations[1:]))
}

func TestWarningExpires(t *testing.T) {
	m := NewMachine(Config{WarningTTL: 2 * time.Second})
	m.Start("s", t0)
	m.Handle(result("looking_down"), at(0))

	s := m.Snapshot()
	w := s.ActiveWarning(at(1))
	require.NotNil(t, w)
	assert.Equal(t, "Looking down. 2 chances remaining.", w.Message)
	assert.Nil(t, s.ActiveWarning(at(2)))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := started(t)
	m.Handle(&models.InboundResult{DevicesDetected: []string{"phone"}, Alerts: models.ParseAlert("device_detected_phone")}, at(0))

	s := m.Snapshot()
	s.Violations[0].Kind = "tampered"
	s.Display.DevicesDetected[0] = "tampered"

	fresh := m.Snapshot()
	assert.Equal(t, "device_detected_phone", fresh.Violations[0].Kind)
	assert.Equal(t, "phone", fresh.Display.DevicesDetected[0])
}

func TestVerifyChain(t *testing.T) {
	m := NewMachine(Config{InitialChances: 10})
	m.Start("s", t0)
	for i := 0; i < 5; i++ {
		m.Handle(result(fmt.Sprintf("kind_%d", i)), at(float64(i)))
	}
	recs := m.Snapshot().Violations
	require.NoError(t, VerifyChain("", recs))

	tampered := append([]ViolationRecord(nil), recs...)
	tampered[2].Description = "edited"
	assert.ErrorContains(t, VerifyChain("", tampered), "record 3")

	gapped := append(append([]ViolationRecord(nil), recs[:2]...), recs[3:]...)
	assert.ErrorContains(t, VerifyChain("", gapped), "sequence gap")
}
