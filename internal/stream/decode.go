package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"AI_PROCTOR/go-monitor/internal/models"
)

// ErrFault marks an inbound message that carries an error field instead of
// a result.
var ErrFault = errors.New("stream: inference fault notice")

// ErrVisualization marks a result whose annotated image could not be
// decoded. The result itself is still returned and must be scored.
var ErrVisualization = errors.New("stream: undecodable visualization image")

// DecodeResult parses one inbound message into an InboundResult. A bad viz
// field yields both the result (without an image) and ErrVisualization.
func DecodeResult(data []byte) (*models.InboundResult, error) {
	var msg models.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if msg.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrFault, msg.Error)
	}

	r := &models.InboundResult{
		BehaviorStatus:  msg.BehaviorStatus,
		DevicesDetected: msg.DevicesDetected,
		Alerts:          models.ParseAlert(msg.Alert),
		Confidence:      clamp01(msg.Conf),
	}
	if msg.Details != nil {
		r.Metrics = models.Metrics{
			NumFaces:         msg.Details.NumFaces,
			GazeHorizontal:   msg.Details.GazeHorizontal,
			GazeVertical:     msg.Details.GazeVertical,
			EAR:              msg.Details.EAR,
			ProcessingTimeMs: msg.Details.ProcessingTimeMs,
			FPS:              msg.Details.FPS,
		}
	}
	if msg.Timestamp > 0 {
		sec, frac := math.Modf(msg.Timestamp)
		r.ServerTimestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	if msg.Viz != "" {
		img, err := base64.StdEncoding.DecodeString(stripDataURL(msg.Viz))
		if err != nil {
			return r, fmt.Errorf("%w: %v", ErrVisualization, err)
		}
		r.VisualizationImage = img
	}
	return r, nil
}

// EncodeFrame builds the outbound frame message.
func EncodeFrame(dataURL string, captured time.Time) ([]byte, error) {
	return json.Marshal(models.FrameMessage{
		Frame:     dataURL,
		Timestamp: captured.UnixMilli(),
	})
}

// stripDataURL drops a leading "data:<mime>;base64," prefix.
func stripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ";base64,"); i >= 0 {
		return s[i+len(";base64,"):]
	}
	return s
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
