package handlers

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/services"
	"AI_PROCTOR/go-monitor/internal/stream"
)

func newTestServer(t *testing.T, script *Script, store audit.Reader) (*httptest.Server, *Hub, *services.Metrics) {
	t.Helper()
	metrics := services.NewMetrics()
	hub := NewHub(script, nil, metrics)
	api := NewAPI(store, hub, metrics, nil, "test")

	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, hub, metrics
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)

	var health models.HealthStatus
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 0, health.ActiveClients)

	resp, err := http.Post(srv.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuditEndpointsWithoutStore(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, nil)

	var e models.ErrorResponse
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/api/sessions/abc/violations", &e))
	assert.Equal(t, "no_store", e.Code)
}

// spoolTrail writes a scored session into a spool file.
func spoolTrail(t *testing.T) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.spool")
	spool, err := audit.OpenSpool(path)
	require.NoError(t, err)

	m := integrity.NewMachine(integrity.DefaultConfig())
	start := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	m.Start("session-42", start)
	ctx := context.Background()
	require.NoError(t, spool.RecordOutcome(ctx, models.SessionRecord{ID: "session-42", StartTime: start, Outcome: models.OutcomeMonitoring, ChancesRemaining: 3}))

	for i := 0; i < 2; i++ {
		out := m.Handle(&models.InboundResult{Alerts: []models.ViolationKind{models.KindMultipleFaces}}, start.Add(time.Duration(i+1)*time.Second))
		require.NotNil(t, out.Penalty)
		require.NoError(t, spool.RecordViolation(ctx, audit.RowFromRecord("session-42", *out.Penalty)))
	}
	require.NoError(t, spool.Close())
	return path, "session-42"
}

func TestViolationsFromSpool(t *testing.T) {
	path, id := spoolTrail(t)
	srv, _, _ := newTestServer(t, nil, audit.SpoolReader{Path: path})

	var resp ViolationsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/"+id+"/violations", &resp))
	assert.Equal(t, id, resp.SessionID)
	assert.True(t, resp.Verified, resp.VerifyError)
	require.Len(t, resp.Violations, 2)
	assert.Equal(t, "multiple_faces", resp.Violations[0].Kind)
	assert.Equal(t, 1, resp.Violations[1].ChancesRemaining)

	var sess models.SessionRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/"+id, &sess))
	assert.Equal(t, models.OutcomeMonitoring, sess.Outcome)

	var e models.ErrorResponse
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/sessions/nope/violations", &e))
}

func testFrame(t *testing.T) sampler.Frame {
	t.Helper()
	jpg, err := sampler.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 16, 12)), 70)
	require.NoError(t, err)
	return sampler.Frame{JPEG: jpg, Width: 16, Height: 12, CapturedAt: time.Now()}
}

func TestProctorFollowsScript(t *testing.T) {
	script, err := ParseScript([]byte(`
steps:
  - alert: none
    behavior_status: Focused
  - error: model warming up
  - alert: device_detected_phone
    devices: [phone]
    viz: true
`))
	require.NoError(t, err)
	srv, hub, metrics := newTestServer(t, script, nil)

	var mu sync.Mutex
	var results []*models.InboundResult
	sess := stream.New(stream.DefaultConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/proctor"), nil, nil)
	sess.OnResult(func(r *models.InboundResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	sess.Open(context.Background())
	defer sess.Stop()
	require.Eventually(t, sess.Connected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(results)
	}
	frame := testFrame(t)
	// Frames are sent one at a time so none is superseded in the queue.
	require.NoError(t, sess.Send(frame))
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Send(frame))
	require.Eventually(t, func() bool { return metrics.Snapshot().FaultNotices == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Send(frame))
	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, results[0].Clean())
	assert.Equal(t, "Focused", results[0].BehaviorStatus)
	assert.False(t, results[0].ServerTimestamp.IsZero())

	assert.Equal(t, []models.ViolationKind{models.KindDevicePhone}, results[1].Alerts)
	assert.Equal(t, []string{"phone"}, results[1].DevicesDetected)
	assert.Equal(t, frame.JPEG, results[1].VisualizationImage)
}

func TestProctorRejectsBadFrames(t *testing.T) {
	srv, _, metrics := newTestServer(t, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/proctor", nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, payload := range []string{
		`garbage`,
		`{"frame":"data:image/png;base64,AAAA","timestamp":1}`,
		`{"frame":"data:image/jpeg;base64,bm90IGEganBlZw==","timestamp":1}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
		var msg models.ResultMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.NotEmpty(t, msg.Error, payload)
	}
	assert.EqualValues(t, 3, metrics.Snapshot().DecodeErrors)
}

func TestCloseAllSendsGoingAway(t *testing.T) {
	srv, hub, _ := newTestServer(t, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/proctor", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.CloseAll()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.Count())
}
