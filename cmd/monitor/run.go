package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/config"
	"AI_PROCTOR/go-monitor/internal/controller"
	"AI_PROCTOR/go-monitor/internal/integrity"
	"AI_PROCTOR/go-monitor/internal/logging"
	"AI_PROCTOR/go-monitor/internal/sampler"
	"AI_PROCTOR/go-monitor/internal/services"
	"AI_PROCTOR/go-monitor/internal/stream"
)

const exitTerminated = 3

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Monitor one assessment until it is submitted, stopped or terminated",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "frames",
				Usage: "Directory of images to replay instead of a camera",
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "Camera device (gst builds only)",
				Value: "/dev/video0",
			},
			&cli.DurationFlag{
				Name:  "duration",
				Usage: "Submit automatically after this long (0 waits for a signal)",
			},
			&cli.BoolFlag{
				Name:  "skip-health",
				Usage: "Do not probe the inference backend before starting",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration:\n%v", err), 1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	metrics := services.GetMetrics()

	if cfg.InferenceGRPCAddr != "" && !c.Bool("skip-health") {
		if err := probe(c.Context, cfg.InferenceGRPCAddr, logger); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	source, err := openSource(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	sink, err := openSink(c.Context, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error("failed to close audit sink", zap.Error(err))
		}
	}()

	smp := sampler.New(source, sampler.Config{
		Period:      cfg.SamplePeriod.Duration,
		MaxWidth:    cfg.FrameMaxWidth,
		JPEGQuality: cfg.JPEGQuality,
	}, logger, metrics)

	streamCfg := stream.DefaultConfig(cfg.ProctorURL)
	streamCfg.ReconnectBackoff = cfg.ReconnectBackoff.Duration
	sess := stream.New(streamCfg, logger, metrics)

	ctrl := controller.New(smp, sess, controller.Options{
		Integrity: integrity.Config{
			InitialChances: cfg.InitialChances,
			GazeThreshold:  cfg.GazeThreshold.Duration,
			HistoryLimit:   cfg.ViolationHistory,
			WarningTTL:     cfg.WarningTTL.Duration,
		},
		Sink:    sink,
		Logger:  logger,
		Metrics: metrics,
	})

	terminated := make(chan controller.Report, 1)
	ctrl.OnTerminated(func(r controller.Report) { terminated <- r })
	ctrl.OnWarning(func(w integrity.Warning) {
		fmt.Fprintf(c.App.Writer, "WARNING: %s\n", w.Message)
	})

	if err := ctrl.Start(c.Context); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	var deadline <-chan time.Time
	if d := c.Duration("duration"); d > 0 {
		deadline = time.After(d)
	}

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case rep := <-terminated:
			printReport(c, rep)
			logSummary(logger, metrics)
			return cli.Exit("assessment terminated: no chances remaining", exitTerminated)

		case <-deadline:
			rep, err := submitAtDeadline(ctrl, terminated)
			if err != nil {
				return err
			}
			if rep != nil {
				printReport(c, *rep)
				logSummary(logger, metrics)
				return cli.Exit("assessment terminated: no chances remaining", exitTerminated)
			}
			printSnapshot(c, ctrl.Snapshot(), "submitted")
			logSummary(logger, metrics)
			return nil

		case sig := <-signals:
			logger.Info("signal received, stopping", zap.String("signal", sig.String()))
			ctrl.Stop()
			printSnapshot(c, ctrl.Snapshot(), "stopped")
			logSummary(logger, metrics)
			return nil

		case <-status.C:
			snap := ctrl.Snapshot()
			logger.Info("monitoring",
				zap.String("session_id", snap.ID),
				zap.String("connection", snap.Connection.String()),
				zap.Int("chances_remaining", snap.ChancesRemaining),
				zap.String("behavior", snap.Display.BehaviorStatus),
				zap.Float64("avg_inference_ms", metrics.GetAvgLatencyMs()))
		}
	}
}

// submitAtDeadline submits the session. If it was terminated first, the
// termination report is returned instead.
func submitAtDeadline(ctrl *controller.Controller, terminated <-chan controller.Report) (*controller.Report, error) {
	err := ctrl.Submit()
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, controller.ErrNotMonitoring) {
		return nil, err
	}
	if ctrl.Snapshot().Status != integrity.StatusTerminated {
		return nil, nil
	}
	rep := <-terminated
	return &rep, nil
}

func probe(ctx context.Context, addr string, logger *zap.Logger) error {
	p, err := services.NewHealthProbe(addr, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	ok, err := p.Check(ctx, services.InferenceService)
	if err != nil {
		return fmt.Errorf("inference backend unreachable: %w", err)
	}
	if !ok {
		return errors.New("inference backend is not serving")
	}
	return nil
}

func openSource(c *cli.Context, cfg *config.Config) (sampler.Source, error) {
	if dir := c.String("frames"); dir != "" {
		return sampler.NewDirSource(dir), nil
	}
	return sampler.NewCamera(c.String("device"), cfg.FrameMaxWidth, cfg.FrameMaxWidth*3/4)
}

// openSink builds the audit chain: Postgres and/or the local spool behind
// one async writer.
func openSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.DatabaseEnabled() {
		pg, err := audit.OpenPostgres(ctx, cfg.DSN(), logger)
		if err != nil {
			return nil, fmt.Errorf("audit database %s: %w", cfg.DSNForLog(), err)
		}
		sinks = append(sinks, pg)
	}
	if cfg.SpoolPath != "" {
		spool, err := audit.OpenSpool(cfg.SpoolPath)
		if err != nil {
			_ = audit.Multi(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, spool)
	}
	if len(sinks) == 0 {
		logger.Warn("no audit sink configured, violations are kept in memory only")
	}
	return audit.NewAsync(audit.Multi(sinks...), 64, logger), nil
}

func printReport(c *cli.Context, rep controller.Report) {
	w := c.App.Writer
	fmt.Fprintf(w, "\nASSESSMENT TERMINATED\n")
	fmt.Fprintf(w, "session:    %s\n", rep.SessionID)
	fmt.Fprintf(w, "violations: %d\n", rep.TotalViolations)
	for _, v := range rep.Violations {
		fmt.Fprintf(w, "  %s  %-40s %s\n", v.Time.Format(time.TimeOnly), v.Kind, v.Description)
	}
}

func printSnapshot(c *cli.Context, s integrity.Session, outcome string) {
	w := c.App.Writer
	fmt.Fprintf(w, "\nsession %s %s: status=%s chances_remaining=%d violations=%d\n",
		s.ID, outcome, s.Status, s.ChancesRemaining, s.TotalViolations)
}

func logSummary(logger *zap.Logger, metrics *services.Metrics) {
	snap := metrics.Snapshot()
	logger.Info("pipeline summary",
		zap.Int64("frames_sampled", snap.FramesSampled),
		zap.Int64("frames_sent", snap.FramesSent),
		zap.Int64("frames_dropped", snap.FramesDropped),
		zap.Int64("results", snap.Results),
		zap.Int64("decode_errors", snap.DecodeErrors),
		zap.Int64("reconnects", snap.Reconnects),
		zap.Int64("penalties", snap.Penalties))
}
