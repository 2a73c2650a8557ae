package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/models"
)

const writeTimeout = 5 * time.Second

type op struct {
	violation *models.ViolationRow
	session   *models.SessionRecord
}

// Async queues writes for a single background writer so callers never wait
// on the backing sink. Writes are applied in submission order.
type Async struct {
	next   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan op
	done   chan struct{}
}

func NewAsync(next Sink, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:   next,
		logger: logger.With(zap.String("component", "audit")),
		queue:  make(chan op, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) RecordViolation(_ context.Context, row models.ViolationRow) error {
	return a.enqueue(op{violation: &row})
}

func (a *Async) RecordOutcome(_ context.Context, rec models.SessionRecord) error {
	return a.enqueue(op{session: &rec})
}

func (a *Async) enqueue(o op) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- o:
		return nil
	default:
		a.logger.Error("audit queue full, write lost")
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for o := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case o.violation != nil:
			err = a.next.RecordViolation(ctx, *o.violation)
			if err != nil {
				a.logger.Error("failed to record violation", zap.Error(err),
					zap.String("session_id", o.violation.SessionID), zap.Int("seq", o.violation.Seq))
			}
		case o.session != nil:
			err = a.next.RecordOutcome(ctx, *o.session)
			if err != nil {
				a.logger.Error("failed to record session", zap.Error(err),
					zap.String("session_id", o.session.ID), zap.String("outcome", o.session.Outcome))
			}
		}
		cancel()
	}
}

// Close drains queued writes, then closes the backing sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
