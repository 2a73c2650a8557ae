package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts what flows through the monitoring pipeline. All methods
// are safe for concurrent use and nil-receiver safe.
type Metrics struct {
	framesSampled atomic.Int64
	framesSkipped atomic.Int64
	framesSent    atomic.Int64
	framesDropped atomic.Int64
	lastFrameTime atomic.Int64

	results       atomic.Int64
	decodeErrors  atomic.Int64
	faultNotices  atomic.Int64
	totalLatency  atomic.Int64 // microseconds of reported inference time
	latencySample atomic.Int64

	wsConnections atomic.Int64
	reconnects    atomic.Int64
	penalties     atomic.Int64
	terminations  atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	FramesSampled  int64   `json:"frames_sampled"`
	FramesSkipped  int64   `json:"frames_skipped"`
	FramesSent     int64   `json:"frames_sent"`
	FramesDropped  int64   `json:"frames_dropped"`
	LastFrameTime  int64   `json:"last_frame_time"`
	Results        int64   `json:"results"`
	DecodeErrors   int64   `json:"decode_errors"`
	FaultNotices   int64   `json:"fault_notices"`
	AvgInferenceMs float64 `json:"avg_inference_ms"`
	WSConnections  int64   `json:"ws_connections"`
	Reconnects     int64   `json:"reconnects"`
	Penalties      int64   `json:"penalties"`
	Terminations   int64   `json:"terminations"`
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics()
	})
	return metricsInstance
}

func (m *Metrics) IncrementFramesSampled() {
	if m == nil {
		return
	}
	m.framesSampled.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

// IncrementFramesSkipped counts ticks where the source had no data.
func (m *Metrics) IncrementFramesSkipped() {
	if m == nil {
		return
	}
	m.framesSkipped.Add(1)
}

func (m *Metrics) IncrementFramesSent() {
	if m == nil {
		return
	}
	m.framesSent.Add(1)
}

// IncrementFramesDropped counts frames discarded because the transport was
// closed or a fresher frame replaced them.
func (m *Metrics) IncrementFramesDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Add(1)
}

func (m *Metrics) IncrementResults() {
	if m == nil {
		return
	}
	m.results.Add(1)
}

func (m *Metrics) IncrementDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Add(1)
}

func (m *Metrics) IncrementFaultNotices() {
	if m == nil {
		return
	}
	m.faultNotices.Add(1)
}

// RecordLatency records the inference time reported by the service.
func (m *Metrics) RecordLatency(duration time.Duration) {
	if m == nil {
		return
	}
	m.totalLatency.Add(duration.Microseconds())
	m.latencySample.Add(1)
}

func (m *Metrics) IncrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Add(1)
}

func (m *Metrics) DecrementWebSocketConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Add(-1)
}

func (m *Metrics) IncrementReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Add(1)
}

func (m *Metrics) IncrementPenalties() {
	if m == nil {
		return
	}
	m.penalties.Add(1)
}

func (m *Metrics) IncrementTerminations() {
	if m == nil {
		return
	}
	m.terminations.Add(1)
}

func (m *Metrics) GetAvgLatencyMs() float64 {
	if m == nil {
		return 0
	}
	n := m.latencySample.Load()
	if n == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(n) / 1000
}

func (m *Metrics) GetWebSocketConnections() int64 {
	if m == nil {
		return 0
	}
	return m.wsConnections.Load()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		FramesSampled:  m.framesSampled.Load(),
		FramesSkipped:  m.framesSkipped.Load(),
		FramesSent:     m.framesSent.Load(),
		FramesDropped:  m.framesDropped.Load(),
		LastFrameTime:  m.lastFrameTime.Load(),
		Results:        m.results.Load(),
		DecodeErrors:   m.decodeErrors.Load(),
		FaultNotices:   m.faultNotices.Load(),
		AvgInferenceMs: m.GetAvgLatencyMs(),
		WSConnections:  m.wsConnections.Load(),
		Reconnects:     m.reconnects.Load(),
		Penalties:      m.penalties.Load(),
		Terminations:   m.terminations.Load(),
	}
}
