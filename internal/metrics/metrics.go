// Package metrics provides Prometheus metrics for the SFTP gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// File operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftp_operations_total",
			Help: "Total file operations by operation, backend and status",
		},
		[]string{"operation", "backend", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sftp_operation_duration_seconds",
			Help:    "File operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Transfer metrics
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftp_transfer_bytes_total",
			Help: "Total bytes moved by uploads and downloads",
		},
		[]string{"direction"},
	)

	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sftp_active_transfers",
			Help: "Number of transfers currently tracked",
		},
	)

	policyBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftp_policy_blocks_total",
			Help: "Requests refused because the transfer belongs to another session",
		},
		[]string{"operation"},
	)

	// Connection metrics
	sshConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sftp_ssh_connections",
			Help: "Number of connected SSH targets",
		},
	)

	websocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sftp_websocket_sessions",
			Help: "Number of open browser sessions",
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sftp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one completed file operation.
func RecordOperation(operation, backend string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	operationsTotal.WithLabelValues(operation, backend, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddTransferBytes counts bytes moved in direction ("upload" or "download").
func AddTransferBytes(direction string, n int) {
	if n > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// SetActiveTransfers sets the active transfer gauge.
func SetActiveTransfers(n int) {
	activeTransfers.Set(float64(n))
}

// RecordPolicyBlock counts an ownership gate refusal.
func RecordPolicyBlock(operation string) {
	policyBlocks.WithLabelValues(operation).Inc()
}

// SetSSHConnections sets the connected SSH target gauge.
func SetSSHConnections(n int) {
	sshConnections.Set(float64(n))
}

// SessionOpened and SessionClosed track browser websocket sessions.
func SessionOpened() { websocketSessions.Inc() }

func SessionClosed() { websocketSessions.Dec() }

// Middleware records request counts labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
