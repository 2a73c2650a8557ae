// Package controller ties frame sampling, the inference stream and the
// integrity machine into one monitoring lifecycle.
//
// All integrity state is mutated by a single loop goroutine per run. Frames
// from the sampler, results and connection changes from the stream are
// funnelled into that loop in arrival order; everything else only reads
// published snapshots.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/logging"
	"AI_PROCTOR/go-monitor/internal/models"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/services"
	"AI_PROCTOR/go-monitor/internal/stream"
)

// ErrNotMonitoring is returned by Submit outside an active session.
var ErrNotMonitoring = errors.New("controller: not monitoring")

// FrameSource is the sampler side of a run.
type FrameSource interface {
	Start(ctx context.Context) (<-chan sampler.Frame, error)
	Stop()
}

// Transport is the stream side of a run.
type Transport interface {
	Open(ctx context.Context)
	Stop()
	Send(f sampler.Frame) error
	OnResult(fn func(*models.InboundResult))
	OnState(fn func(stream.State, error))
	SetActive(fn func() bool)
}

// Report describes how a session ended.
type Report struct {
	SessionID        string
	Outcome          string
	StartedAt        time.Time
	EndedAt          time.Time
	ChancesRemaining int
	TotalViolations  int
	Violations       []integrity.ViolationRecord
}

type Options struct {
	Integrity integrity.Config
	Sink      audit.Sink
	Logger    *zap.Logger
	Metrics   *services.Metrics
	// Now is the clock used for scoring. Defaults to time.Now.
	Now func() time.Time
}

type event struct {
	result *models.InboundResult
	state  stream.State
	err    error
}

type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
	logger *zap.Logger
}

type Controller struct {
	frames    FrameSource
	transport Transport
	machine   *integrity.Machine
	sink      audit.Sink
	logger    *zap.Logger
	metrics   *services.Metrics
	now       func() time.Time

	mu       sync.Mutex
	active   atomic.Bool
	current  atomic.Pointer[run]
	snapshot atomic.Pointer[integrity.Session]

	cbMu         sync.Mutex
	onTerminated func(Report)
	onWarning    func(integrity.Warning)
}

func New(frames FrameSource, transport Transport, opts Options) *Controller {
	if opts.Sink == nil {
		opts.Sink = audit.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		frames:    frames,
		transport: transport,
		machine:   integrity.NewMachine(opts.Integrity),
		sink:      opts.Sink,
		logger:    logging.Component(opts.Logger, "controller"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}

	transport.SetActive(c.active.Load)
	transport.OnResult(func(r *models.InboundResult) { c.dispatch(event{result: r}) })
	transport.OnState(func(s stream.State, err error) { c.dispatch(event{state: s, err: err}) })

	c.publish()
	return c
}

// OnTerminated registers the callback fired once when a session is ended
// by exhausting its chances. It runs after monitoring has been torn down.
func (c *Controller) OnTerminated(fn func(Report)) {
	c.cbMu.Lock()
	c.onTerminated = fn
	c.cbMu.Unlock()
}

// OnWarning registers the callback fired with each penalty warning. It runs
// on the monitoring loop and must not block or call back into the
// controller.
func (c *Controller) OnWarning(fn func(integrity.Warning)) {
	c.cbMu.Lock()
	c.onWarning = fn
	c.cbMu.Unlock()
}

// Start begins a new monitoring session. It is a no-op while one is
// running. ctx only carries values; call Stop or Submit to end the run.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Load() != nil {
		return nil
	}

	id := uuid.NewString()
	startedAt := c.now()
	c.machine.Start(id, startedAt)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:     id,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan event, 32),
		done:   make(chan struct{}),
		logger: c.logger.With(zap.String("session_id", id)),
	}
	c.current.Store(r)
	c.active.Store(true)
	c.publish()

	c.transport.Open(runCtx)
	frames, err := c.frames.Start(runCtx)
	if err != nil {
		c.active.Store(false)
		c.current.Store(nil)
		cancel()
		c.transport.Stop()
		c.machine.Stop()
		c.publish()
		r.logger.Error("failed to start sampling", zap.Error(err))
		return fmt.Errorf("start monitoring: %w", err)
	}

	c.record(r, func(ctx context.Context) error {
		return c.sink.RecordOutcome(ctx, models.SessionRecord{
			ID:               id,
			StartTime:        startedAt,
			Outcome:          models.OutcomeMonitoring,
			ChancesRemaining: c.snapshot.Load().ChancesRemaining,
		})
	})

	r.logger.Info("monitoring started")
	go c.loop(r, frames)
	return nil
}

// Stop tears down sampling and the stream. A terminated session keeps its
// status. No violation is scored after Stop returns.
func (c *Controller) Stop() {
	c.halt(models.OutcomeStopped)
}

// Submit ends an active session normally.
func (c *Controller) Submit() error {
	if c.Snapshot().Status != integrity.StatusMonitoring {
		return ErrNotMonitoring
	}
	if !c.halt(models.OutcomeSubmitted) {
		return ErrNotMonitoring
	}
	return nil
}

// halt stops the current run and reports outcome if the session was still
// monitoring.
func (c *Controller) halt(outcome string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active.Store(false)
	if r := c.current.Swap(nil); r != nil {
		r.cancel()
		<-r.done
	}
	c.frames.Stop()
	c.transport.Stop()

	if !c.machine.Stop() {
		c.publish()
		return false
	}
	c.publish()

	rep := c.report(c.Snapshot(), outcome)
	c.logger.Info("monitoring ended",
		zap.String("session_id", rep.SessionID),
		zap.String("outcome", outcome),
		zap.Int("chances_remaining", rep.ChancesRemaining))
	c.persistOutcome(context.Background(), rep)
	return true
}

// Snapshot returns a copy of the current integrity session.
func (c *Controller) Snapshot() integrity.Session {
	return c.snapshot.Load().Clone()
}

// Monitoring reports whether a run is in progress.
func (c *Controller) Monitoring() bool {
	return c.current.Load() != nil
}

func (c *Controller) dispatch(ev event) {
	r := c.current.Load()
	if r == nil {
		return
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (c *Controller) loop(r *run, frames <-chan sampler.Frame) {
	var terminated *Report
	func() {
		defer close(r.done)
		for {
			select {
			case <-r.ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					frames = nil
					continue
				}
				if r.ctx.Err() != nil {
					return
				}
				if err := c.transport.Send(f); err != nil && !errors.Is(err, stream.ErrClosed) {
					r.logger.Warn("failed to send frame", zap.Error(err))
				}
			case ev := <-r.events:
				if r.ctx.Err() != nil {
					return
				}
				if c.handle(r, ev) {
					terminated = c.terminate(r)
					return
				}
			}
		}
	}()

	if terminated != nil {
		c.persistOutcome(context.WithoutCancel(r.ctx), *terminated)
		c.cbMu.Lock()
		fn := c.onTerminated
		c.cbMu.Unlock()
		if fn != nil {
			fn(*terminated)
		}
	}
}

// handle applies one event and reports whether the session terminated.
func (c *Controller) handle(r *run, ev event) bool {
	if ev.result == nil {
		c.machine.SetConnection(connectionStatus(ev.state))
		c.publish()
		if ev.err != nil && ev.state == stream.StateError {
			r.logger.Warn("inference stream error", zap.Error(ev.err))
		}
		return false
	}

	out := c.machine.Handle(ev.result, c.now())
	c.publish()

	if out.Penalty != nil {
		c.metrics.IncrementPenalties()
		r.logger.Info("violation scored",
			zap.String("kind", out.Penalty.Kind),
			zap.Int("seq", out.Penalty.Seq),
			zap.Int("chances_remaining", out.Penalty.ChancesRemaining))

		row := audit.RowFromRecord(r.id, *out.Penalty)
		c.record(r, func(ctx context.Context) error { return c.sink.RecordViolation(ctx, row) })
	}
	if out.Warning != nil {
		c.cbMu.Lock()
		fn := c.onWarning
		c.cbMu.Unlock()
		if fn != nil {
			fn(*out.Warning)
		}
	}
	return out.Terminated
}

// terminate tears the run down from inside the loop.
func (c *Controller) terminate(r *run) *Report {
	c.active.Store(false)
	r.cancel()
	c.frames.Stop()
	c.transport.Stop()

	snap := c.machine.Snapshot()
	c.publish()
	c.current.CompareAndSwap(r, nil)

	c.metrics.IncrementTerminations()
	rep := c.report(snap, models.OutcomeTerminated)
	r.logger.Warn("assessment terminated",
		zap.Int("violations", rep.TotalViolations))
	return &rep
}

func (c *Controller) report(s integrity.Session, outcome string) Report {
	return Report{
		SessionID:        s.ID,
		Outcome:          outcome,
		StartedAt:        s.StartedAt,
		EndedAt:          c.now(),
		ChancesRemaining: s.ChancesRemaining,
		TotalViolations:  s.TotalViolations,
		Violations:       s.Violations,
	}
}

func (c *Controller) persistOutcome(ctx context.Context, rep Report) {
	end := rep.EndedAt
	err := c.sink.RecordOutcome(ctx, models.SessionRecord{
		ID:               rep.SessionID,
		StartTime:        rep.StartedAt,
		EndTime:          &end,
		Outcome:          rep.Outcome,
		ChancesRemaining: rep.ChancesRemaining,
		ViolationCount:   rep.TotalViolations,
	})
	if err != nil {
		c.logger.Error("failed to record outcome", zap.String("session_id", rep.SessionID), zap.Error(err))
	}
}

func (c *Controller) record(r *run, write func(ctx context.Context) error) {
	if err := write(context.WithoutCancel(r.ctx)); err != nil {
		r.logger.Error("audit write failed", zap.Error(err))
	}
}

func (c *Controller) publish() {
	s := c.machine.Snapshot()
	c.snapshot.Store(&s)
}

func connectionStatus(s stream.State) integrity.ConnectionStatus {
	switch s {
	case stream.StateConnected:
		return integrity.ConnConnected
	case stream.StateError:
		return integrity.ConnError
	}
	return integrity.ConnDisconnected
}
