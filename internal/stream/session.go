// Package stream manages the duplex websocket session with the inference
// service.
//
// Frames are fire-and-forget: Send hands a frame to the writer only while
// the socket is open, and an unsent frame is replaced by the next one.
// Results are decoded on a single reader goroutine per connection and
// handed to the result callback in delivery order.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/services"
)

// ErrClosed is returned by Send when no connection is open.
var ErrClosed = errors.New("stream: transport not open")

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

const maxMessageSize = 8 << 20

type Config struct {
	URL              string
	Header           http.Header
	ReconnectBackoff time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		ReconnectBackoff: 3 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
	}
}

type Session struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  *zap.Logger
	metrics *services.Metrics

	onResult func(*models.InboundResult)
	onState  func(State, error)
	active   func() bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *websocket.Conn
	send    chan []byte
	timer   *time.Timer
	running bool
	gen     uint64
	wg      sync.WaitGroup
}

func New(cfg Config, logger *zap.Logger, metrics *services.Metrics) *Session {
	def := DefaultConfig(cfg.URL)
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  64 * 1024,
		},
		logger:  logger.With(zap.String("component", "stream"), zap.String("url", cfg.URL)),
		metrics: metrics,
		active:  func() bool { return true },
	}
}

// OnResult registers the single result callback. It runs on the reader
// goroutine and must not call Stop.
func (s *Session) OnResult(fn func(*models.InboundResult)) {
	s.mu.Lock()
	s.onResult = fn
	s.mu.Unlock()
}

// OnState registers the connection status callback.
func (s *Session) OnState(fn func(State, error)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// SetActive installs the guard consulted each time a reconnect would be
// scheduled or fired. Reconnection only happens while it returns true.
func (s *Session) SetActive(fn func() bool) {
	s.mu.Lock()
	s.active = fn
	s.mu.Unlock()
}

// Open starts connecting in the background. It is a no-op while a session
// is already running.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.gen++
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.connect(s.gen)
}

// Stop closes the transport and cancels any pending reconnect. No callback
// fires after Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	conn := s.conn
	s.conn = nil
	s.send = nil
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "monitoring stopped"), deadline)
		conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("stream stopped")
}

// Connected reports whether a socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send queues a frame for the writer. Without an open socket the frame is
// dropped and ErrClosed returned; a queued frame not yet written is
// replaced.
func (s *Session) Send(f sampler.Frame) error {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()

	if send == nil {
		s.metrics.IncrementFramesDropped()
		return ErrClosed
	}

	data, err := EncodeFrame(f.DataURL(), f.CapturedAt)
	if err != nil {
		return err
	}

	select {
	case send <- data:
		return nil
	default:
	}
	select {
	case <-send:
		s.metrics.IncrementFramesDropped()
	default:
	}
	select {
	case send <- data:
	default:
		s.metrics.IncrementFramesDropped()
	}
	return nil
}

func (s *Session) connect(gen uint64) {
	defer s.wg.Done()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("dial failed", zap.Error(err))
		s.emitState(gen, StateError, err)
		s.scheduleReconnect(gen)
		return
	}

	send := make(chan []byte, 1)
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.send = send
	s.mu.Unlock()

	s.metrics.IncrementWebSocketConnections()
	s.logger.Info("stream connected")
	s.emitState(gen, StateConnected, nil)

	done := make(chan struct{})
	s.wg.Add(1)
	go s.writePump(conn, send, done)

	err = s.readPump(conn, gen)
	close(done)
	conn.Close()
	s.metrics.DecrementWebSocketConnections()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.send = nil
	}
	s.mu.Unlock()

	state := StateError
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		state = StateDisconnected
	}
	s.logger.Info("stream closed", zap.String("state", state.String()), zap.Error(err))
	s.emitState(gen, state, err)
	s.scheduleReconnect(gen)
}

// scheduleReconnect arms the backoff timer if the run is still current and
// the caller still wants monitoring. The guard is read here, at close time,
// and again when the timer fires.
func (s *Session) scheduleReconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.active() {
		s.logger.Debug("not reconnecting")
		return
	}
	s.logger.Info("reconnect scheduled", zap.Duration("backoff", s.cfg.ReconnectBackoff))
	s.timer = time.AfterFunc(s.cfg.ReconnectBackoff, func() {
		s.mu.Lock()
		if gen != s.gen || !s.active() {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.wg.Add(1)
		s.mu.Unlock()

		s.metrics.IncrementReconnects()
		s.connect(gen)
	})
}

func (s *Session) readPump(conn *websocket.Conn, gen uint64) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		result, err := DecodeResult(data)
		if errors.Is(err, ErrFault) {
			s.metrics.IncrementFaultNotices()
			s.logger.Warn("inference fault notice", zap.Error(err))
			continue
		}
		if errors.Is(err, ErrVisualization) {
			s.metrics.IncrementDecodeErrors()
			s.logger.Warn("result without visualization", zap.Error(err))
		} else if err != nil {
			s.metrics.IncrementDecodeErrors()
			s.logger.Warn("dropping malformed message", zap.Error(err), zap.Int("size", len(data)))
			continue
		}

		s.metrics.IncrementResults()
		if result.Metrics.ProcessingTimeMs > 0 {
			s.metrics.RecordLatency(time.Duration(result.Metrics.ProcessingTimeMs * float64(time.Millisecond)))
		}

		s.mu.Lock()
		fn := s.onResult
		current := gen == s.gen
		s.mu.Unlock()
		if fn != nil && current {
			fn(result)
		}
	}
}

func (s *Session) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				conn.Close()
				return
			}
			s.metrics.IncrementFramesSent()
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) emitState(gen uint64, state State, err error) {
	s.mu.Lock()
	fn := s.onState
	current := gen == s.gen
	s.mu.Unlock()
	if fn != nil && current {
		fn(state, err)
	}
}
