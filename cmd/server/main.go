// Command server is a reference inference relay. It answers /ws/proctor
// frames from a YAML response script, serves the stored audit trail over
// REST and exposes the gRPC health service the monitor probes.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"AI_PROCTOR/go-monitor/internal/audit"
	"AI_PROCTOR/go-monitor/internal/config"
	"AI_PROCTOR/go-monitor/internal/handlers"
	"AI_PROCTOR/go-monitor/internal/logging"
	"AI_PROCTOR/go-monitor/internal/services"
)

var version = "dev"

func main() {
	httpPort := flag.String("http-port", "", "HTTP port (overrides HTTP_PORT)")
	grpcPort := flag.String("grpc-port", "", "gRPC port (overrides GRPC_PORT)")
	scriptPath := flag.String("script", "", "Response script (overrides SCRIPT_PATH)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	if *grpcPort != "" {
		cfg.GRPCPort = *grpcPort
	}
	if *scriptPath != "" {
		cfg.ScriptPath = *scriptPath
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	logger.Info("starting reference server",
		zap.String("version", version),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("environment", cfg.Environment))

	script := handlers.DefaultScript()
	if cfg.ScriptPath != "" {
		script, err = handlers.LoadScript(cfg.ScriptPath)
		if err != nil {
			logger.Fatal("failed to load response script", zap.Error(err))
		}
		logger.Info("response script loaded", zap.String("path", cfg.ScriptPath), zap.Int("frames", script.Len()))
	}

	store, closeStore := openStore(cfg, logger)
	defer closeStore()

	metrics := services.GetMetrics()
	hub := handlers.NewHub(script, logger, metrics)
	api := handlers.NewAPI(store, hub, metrics, logger, version)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(services.InferenceService, healthpb.HealthCheckResponse_SERVING)
	go startGRPCServer(grpcServer, cfg.GRPCPort, logger)

	mux := http.NewServeMux()
	api.Routes(mux)
	httpServer := &http.Server{
		Addr:        ":" + strings.TrimPrefix(cfg.HTTPPort, ":"),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go startHTTPServer(httpServer, logger)

	<-done
	logger.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped")
	case <-shutdownCtx.Done():
		logger.Warn("forced gRPC shutdown")
		grpcServer.Stop()
	}

	hub.CloseAll()
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("error shutting down HTTP server", zap.Error(err))
	} else {
		logger.Info("HTTP server gracefully stopped")
	}
}

// openStore picks the audit backend the REST endpoints read from.
func openStore(cfg *config.Config, logger *zap.Logger) (audit.Reader, func()) {
	if cfg.DatabaseEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pg, err := audit.OpenPostgres(ctx, cfg.DSN(), logger)
		if err != nil {
			logger.Fatal("failed to open audit database", zap.String("dsn", cfg.DSNForLog()), zap.Error(err))
		}
		return pg, func() { _ = pg.Close() }
	}
	if cfg.SpoolPath != "" {
		logger.Info("serving audit trail from spool", zap.String("path", cfg.SpoolPath))
		return audit.SpoolReader{Path: cfg.SpoolPath}, func() {}
	}
	logger.Warn("no audit store configured, session endpoints disabled")
	return nil, func() {}
}

func startGRPCServer(srv *grpc.Server, port string, logger *zap.Logger) {
	lis, err := net.Listen("tcp", ":"+strings.TrimPrefix(port, ":"))
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	logger.Info("gRPC health service listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("failed to serve gRPC", zap.Error(err))
	}
}

func startHTTPServer(srv *http.Server, logger *zap.Logger) {
	logger.Info("HTTP server listening",
		zap.String("addr", srv.Addr),
		zap.String("websocket", "/ws/proctor"),
		zap.String("api", "/api/*"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to serve HTTP", zap.Error(err))
	}
}
