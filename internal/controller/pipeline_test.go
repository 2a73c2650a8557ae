package controller

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/services"
	"AI_PROCTOR/go-monitor/internal/stream"
)

// stillSource serves the same small image on every capture.
type stillSource struct {
	opens  atomic.Int32
	closes atomic.Int32
	open   atomic.Bool
}

func (s *stillSource) Open(context.Context) error {
	s.opens.Add(1)
	s.open.Store(true)
	return nil
}

func (s *stillSource) Capture() (image.Image, error) {
	if !s.open.Load() {
		return nil, sampler.ErrNoData
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		img.Set(x, x%48, color.RGBA{R: 200, A: 255})
	}
	return img, nil
}

func (s *stillSource) Close() error {
	s.closes.Add(1)
	s.open.Store(false)
	return nil
}

// inferenceStub answers every frame with the alert returned by reply.
type inferenceStub struct {
	*httptest.Server
	frames      atomic.Int64
	connections atomic.Int64

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newInferenceStub(t *testing.T, reply func() string) *inferenceStub {
	t.Helper()
	stub := &inferenceStub{}
	upgrader := websocket.Upgrader{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.connections.Add(1)
		stub.mu.Lock()
		stub.conns = append(stub.conns, conn)
		stub.mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			stub.frames.Add(1)
			msg := `{"behavior_status":"Focused","alert":"` + reply() + `","conf":0.8}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *inferenceStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/proctor"
}

func (s *inferenceStub) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func newPipeline(t *testing.T, url string, src sampler.Source) (*Controller, *services.Metrics) {
	t.Helper()
	metrics := services.NewMetrics()
	smp := sampler.New(src, sampler.Config{Period: 20 * time.Millisecond, MaxWidth: 32}, nil, metrics)

	cfg := stream.DefaultConfig(url)
	cfg.ReconnectBackoff = 50 * time.Millisecond
	sess := stream.New(cfg, nil, metrics)

	ctrl := New(smp, sess, Options{Metrics: metrics})
	t.Cleanup(ctrl.Stop)
	return ctrl, metrics
}

func TestPipelineTerminatesOnRepeatedPhone(t *testing.T) {
	stub := newInferenceStub(t, func() string { return string(models.KindDevicePhone) })
	src := &stillSource{}
	ctrl, metrics := newPipeline(t, stub.wsURL(), src)

	terminated := make(chan Report, 1)
	ctrl.OnTerminated(func(r Report) { terminated <- r })

	require.NoError(t, ctrl.Start(context.Background()))

	select {
	case rep := <-terminated:
		assert.Equal(t, 0, rep.ChancesRemaining)
		assert.Len(t, rep.Violations, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never terminated")
	}

	assert.Equal(t, integrity.StatusTerminated, ctrl.Snapshot().Status)
	assert.EqualValues(t, 1, src.closes.Load(), "camera released on termination")

	sent := metrics.Snapshot().FramesSent
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, sent, metrics.Snapshot().FramesSent, "no frames after termination")
	assert.EqualValues(t, 1, stub.connections.Load())
}

func TestPipelineReconnectKeepsSession(t *testing.T) {
	stub := newInferenceStub(t, func() string { return models.AlertNone })
	src := &stillSource{}
	ctrl, metrics := newPipeline(t, stub.wsURL(), src)

	require.NoError(t, ctrl.Start(context.Background()))
	id := ctrl.Snapshot().ID

	require.Eventually(t, func() bool { return stub.frames.Load() > 2 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Connection == integrity.ConnConnected
	}, 3*time.Second, 5*time.Millisecond)

	stub.drop()

	require.Eventually(t, func() bool { return stub.connections.Load() == 2 }, 3*time.Second, 5*time.Millisecond)
	before := stub.frames.Load()
	require.Eventually(t, func() bool { return stub.frames.Load() > before+2 }, 3*time.Second, 5*time.Millisecond)

	snap := ctrl.Snapshot()
	assert.Equal(t, id, snap.ID, "reconnect must not start a new session")
	assert.Equal(t, integrity.StatusMonitoring, snap.Status)
	assert.Equal(t, 3, snap.ChancesRemaining)
	assert.EqualValues(t, 1, src.opens.Load())
	assert.GreaterOrEqual(t, metrics.Snapshot().Reconnects, int64(1))

	ctrl.Stop()
	assert.Equal(t, integrity.StatusStopped, ctrl.Snapshot().Status)
	assert.EqualValues(t, 1, src.closes.Load())

	conns := stub.connections.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, conns, stub.connections.Load(), "no reconnect after stop")
}
