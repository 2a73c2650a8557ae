// Package sampler captures frames from a video source at a fixed cadence.
//
// A Sampler owns its Source for the lifetime of a run: Start acquires the
// device, Stop releases it. Frames are delivered on a one-slot channel with
// latest-wins semantics, so a slow consumer never builds a backlog.
package sampler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/services"
)

var (
	// ErrNoData is returned by Source.Capture while the device is open but
	// not yet producing images. The tick is skipped, not retried.
	ErrNoData = errors.New("sampler: source has no data yet")

	// ErrDevice wraps camera acquisition failures (permission denied,
	// device missing). It is reported once from Start.
	ErrDevice = errors.New("sampler: video device unavailable")

	ErrRunning = errors.New("sampler: already running")
)

// Source is a video device the sampler pulls still images from.
type Source interface {
	// Open acquires the device.
	Open(ctx context.Context) error
	// Capture returns the most recent image, or ErrNoData.
	Capture() (image.Image, error)
	// Close releases the device. It must be safe to call after a failed Open.
	Close() error
}

// Frame is one downsampled JPEG sample.
type Frame struct {
	JPEG       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

const dataURLPrefix = "data:image/jpeg;base64,"

// DataURL renders the frame as a base64 data URL.
func (f Frame) DataURL() string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(f.JPEG)
}

type Config struct {
	Period      time.Duration
	MaxWidth    int
	JPEGQuality int
}

func DefaultConfig() Config {
	return Config{
		Period:      200 * time.Millisecond,
		MaxWidth:    640,
		JPEGQuality: 70,
	}
}

type Sampler struct {
	source  Source
	cfg     Config
	logger  *zap.Logger
	metrics *services.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	out    chan Frame
}

func New(source Source, cfg Config, logger *zap.Logger, metrics *services.Metrics) *Sampler {
	def := DefaultConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		source:  source,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "sampler")),
		metrics: metrics,
	}
}

// Start acquires the source and begins sampling. The returned channel is
// closed once the sampler stops. A device failure is returned wrapped in
// ErrDevice and nothing is retried; restarting is up to the caller.
func (s *Sampler) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrRunning
	}

	if err := s.source.Open(ctx); err != nil {
		_ = s.source.Close()
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.out = make(chan Frame, 1)

	go s.run(runCtx, s.out, s.done)

	s.logger.Info("sampling started",
		zap.Duration("period", s.cfg.Period),
		zap.Int("max_width", s.cfg.MaxWidth))
	return s.out, nil
}

// Stop halts sampling and releases the source. Once Stop returns no frame
// is delivered, including one produced by a tick that was in flight.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	for range s.out {
	}

	if err := s.source.Close(); err != nil {
		s.logger.Warn("failed to release video source", zap.Error(err))
	}

	s.cancel = nil
	s.done = nil
	s.out = nil
	s.logger.Info("sampling stopped")
}

// Running reports whether a sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) run(ctx context.Context, out chan Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame, err := s.sample(now)
			if errors.Is(err, ErrNoData) {
				s.metrics.IncrementFramesSkipped()
				continue
			}
			if err != nil {
				s.logger.Warn("frame capture failed", zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.metrics.IncrementFramesSampled()
			deliver(out, frame, s.metrics)
		}
	}
}

func (s *Sampler) sample(now time.Time) (Frame, error) {
	img, err := s.source.Capture()
	if err != nil {
		return Frame{}, err
	}
	if img == nil || img.Bounds().Empty() {
		return Frame{}, ErrNoData
	}

	scaled := Downscale(img, s.cfg.MaxWidth)
	data, err := EncodeJPEG(scaled, s.cfg.JPEGQuality)
	if err != nil {
		return Frame{}, err
	}

	b := scaled.Bounds()
	return Frame{
		JPEG:       data,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: now,
	}, nil
}

// deliver replaces any unread frame with the fresh one.
func deliver(out chan Frame, frame Frame, metrics *services.Metrics) {
	select {
	case out <- frame:
		return
	default:
	}
	select {
	case <-out:
		metrics.IncrementFramesDropped()
	default:
	}
	select {
	case out <- frame:
	default:
		metrics.IncrementFramesDropped()
	}
}
