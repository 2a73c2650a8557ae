package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/services"
)

const (
	jpegDataURLPrefix = "data:image/jpeg;base64,"
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	writeWait         = 10 * time.Second
	maxFrameSize      = 8 << 20
)

type proctorClient struct {
	conn     *websocket.Conn
	clientID string
	send     chan []byte
	frames   int
}

// Hub serves /ws/proctor. Each connection gets its own pass through the
// response script, starting at the first step.
type Hub struct {
	script  *Script
	logger  *zap.Logger
	metrics *services.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*proctorClient
}

func NewHub(script *Script, logger *zap.Logger, metrics *services.Metrics) *Hub {
	if script == nil {
		script = DefaultScript()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		script:  script,
		logger:  logger.With(zap.String("component", "proctor_ws")),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*proctorClient),
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeProctor(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &proctorClient{
		conn:     conn,
		clientID: clientID,
		send:     make(chan []byte, 16),
	}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()
	h.metrics.IncrementWebSocketConnections()
	h.logger.Info("proctor client connected", zap.String("client_id", clientID))

	go h.writePump(client)
	h.readPump(client)

	h.mu.Lock()
	if h.clients[clientID] == client {
		delete(h.clients, clientID)
		close(client.send)
	}
	h.mu.Unlock()
	h.metrics.DecrementWebSocketConnections()
	h.logger.Info("proctor client disconnected",
		zap.String("client_id", clientID), zap.Int("frames", client.frames))
}

func (h *Hub) readPump(client *proctorClient) {
	conn := client.conn
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("proctor read error", zap.String("client_id", client.clientID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		reply, err := h.respond(client, data, time.Now())
		if err != nil {
			h.logger.Error("failed to encode reply", zap.Error(err))
			continue
		}
		h.queue(client, reply)
	}
}

// respond builds the reply to one inbound frame message.
func (h *Hub) respond(client *proctorClient, data []byte, received time.Time) ([]byte, error) {
	var frame models.FrameMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		h.metrics.IncrementDecodeErrors()
		return json.Marshal(models.ResultMessage{Error: "invalid frame message"})
	}
	img, err := decodeFrame(frame.Frame)
	if err != nil {
		h.metrics.IncrementDecodeErrors()
		return json.Marshal(models.ResultMessage{Error: err.Error()})
	}

	step := h.script.At(client.frames)
	client.frames++

	msg := step.Message()
	if msg.Error == "" {
		msg.Timestamp = float64(received.UnixMicro()) / 1e6
		if step.Viz {
			msg.Viz = base64.StdEncoding.EncodeToString(img)
		}
		elapsed := time.Since(received)
		msg.Details.ProcessingTimeMs = float64(elapsed.Microseconds()) / 1000
		h.metrics.IncrementResults()
		h.metrics.RecordLatency(elapsed)
	} else {
		h.metrics.IncrementFaultNotices()
	}
	return json.Marshal(msg)
}

// decodeFrame strips the data URL prefix and checks the payload is a JPEG.
func decodeFrame(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, jpegDataURLPrefix) {
		return nil, fmt.Errorf("frame is not a jpeg data url")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, jpegDataURLPrefix))
	if err != nil {
		return nil, fmt.Errorf("frame payload: %w", err)
	}
	if _, format, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil || format != "jpeg" {
		return nil, fmt.Errorf("frame payload is not a jpeg image")
	}
	return raw, nil
}

// queue hands a reply to the writer, replacing the oldest pending one when
// the client is not keeping up.
func (h *Hub) queue(client *proctorClient, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.clientID] != client {
		return
	}
	select {
	case client.send <- msg:
		return
	default:
	}
	select {
	case <-client.send:
	default:
	}
	select {
	case client.send <- msg:
	default:
	}
}

func (h *Hub) writePump(client *proctorClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseAll disconnects every client with a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID, client := range h.clients {
		close(client.send)
		delete(h.clients, clientID)
		h.logger.Info("closed proctor client", zap.String("client_id", clientID))
	}
}
