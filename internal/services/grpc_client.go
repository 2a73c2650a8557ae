package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// InferenceService is the health service name the inference backend
// registers alongside the overall server status.
const InferenceService = "proctor.Inference"

// HealthProbe checks the inference backend over the standard gRPC health
// protocol before a monitoring run is started.
type HealthProbe struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	url    string
	logger *zap.Logger
}

func NewHealthProbe(url string, logger *zap.Logger, extra ...grpc.DialOption) (*HealthProbe, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create gRPC client for %s: %w", url, err)
	}

	return &HealthProbe{
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		url:    url,
		logger: logger.With(zap.String("component", "health"), zap.String("target", url)),
	}, nil
}

// Check asks for the status of service ("" means the whole server) and
// reports whether it is SERVING.
func (p *HealthProbe) Check(ctx context.Context, service string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, fmt.Errorf("health check %q failed: %w", service, err)
	}

	serving := resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	p.logger.Debug("health check",
		zap.String("service", service),
		zap.String("status", resp.GetStatus().String()))
	return serving, nil
}

func (p *HealthProbe) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
