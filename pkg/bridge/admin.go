package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ailens/ailens-bridge/pkg/rules"
)

// HealthStatus reports the bridge's view of its own health.
type HealthStatus struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	SinkConnected bool   `json:"sink_connected"`
	RuleSource    string `json:"rule_source"`
	Domains       int    `json:"domains"`
	Patterns      int    `json:"patterns"`
}

// AdminServer exposes /health and /metrics on a local HTTP listener.
type AdminServer struct {
	addr       string
	classifier *rules.Classifier
	sink       ConnectedReporter
	metrics    *Metrics
	logger     *slog.Logger
	httpServer *http.Server
}

// NewAdminServer creates the admin endpoint. sink and metrics may be nil.
func NewAdminServer(addr string, classifier *rules.Classifier, sink ConnectedReporter, metrics *Metrics, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminServer{
		addr:       addr,
		classifier: classifier,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start begins serving. It returns once the listener goroutine is launched.
func (a *AdminServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics.Handler())
	}

	a.httpServer = &http.Server{
		Addr:              a.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Admin server starting", "addr", a.addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Admin server error", "error", err)
		}
	}()
}

// Stop shuts down the admin listener.
func (a *AdminServer) Stop(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

// Health returns the current health status.
func (a *AdminServer) Health() *HealthStatus {
	status := &HealthStatus{Status: "healthy"}

	if a.classifier != nil {
		rs := a.classifier.RuleSet()
		status.RuleSource = rs.Source()
		status.Domains, status.Patterns = rs.Size()
	}
	if a.sink != nil {
		status.SinkConnected = a.sink.Connected()
	}

	// A disconnected sink is degraded, not unhealthy: the bridge keeps
	// classifying and will reconnect on the next send.
	if a.sink != nil && !status.SinkConnected {
		status.Status = "degraded"
		status.Reason = "sensor sink disconnected"
	}

	return status
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.Health())
}
