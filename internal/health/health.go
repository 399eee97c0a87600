// Package health aggregates dependency checks and serves them over HTTP and
// the gRPC health protocol.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "wa-scheduler"

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Report is the outcome of one round of checks.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	return r.Status == "healthy"
}

// Aggregator runs registered checks with a shared timeout.
type Aggregator struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewAggregator returns an aggregator bounding each round by timeout.
func NewAggregator(timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{timeout: timeout}
}

// Register adds a named check.
func (a *Aggregator) Register(name string, fn CheckFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, namedCheck{name: name, fn: fn})
	sort.Slice(a.checks, func(i, j int) bool { return a.checks[i].name < a.checks[j].name })
}

// Check runs every check.
func (a *Aggregator) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.mu.RLock()
	checks := append([]namedCheck(nil), a.checks...)
	a.mu.RUnlock()

	report := Report{Status: "healthy", Checks: map[string]string{"api": "ok"}}
	for _, c := range checks {
		if err := c.fn(ctx); err != nil {
			slog.Error("Health check failed", "check", c.name, "error", err)
			report.Status = "degraded"
			report.Checks[c.name] = "unreachable"
			continue
		}
		report.Checks[c.name] = "ok"
	}
	return report
}

// ServeHTTP writes the report, with 503 when any check failed.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := a.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		slog.Debug("Failed to encode health report", "error", err)
	}
}

// GRPCServer exposes the aggregator through grpc.health.v1.
type GRPCServer struct {
	agg      *Aggregator
	srv      *grpc.Server
	health   *grpchealth.Server
	interval time.Duration
}

// NewGRPCServer registers the health service on a new gRPC server. Serving
// status is refreshed from agg every interval once Start runs.
func NewGRPCServer(agg *Aggregator, interval time.Duration) *GRPCServer {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{agg: agg, srv: srv, health: hs, interval: interval}
}

// Refresh runs the checks once and publishes the result.
func (g *GRPCServer) Refresh(ctx context.Context) Report {
	report := g.agg.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return report
}

// Start refreshes the status immediately and then on every interval until
// ctx is done.
func (g *GRPCServer) Start(ctx context.Context) {
	g.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()
}

// Serve accepts gRPC connections on lis until Stop.
func (g *GRPCServer) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return g.srv.Serve(lis)
}

// Stop marks every service as not serving and drains the server.
func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.srv.GracefulStop()
}
