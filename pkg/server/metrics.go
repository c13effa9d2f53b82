package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveSessions    atomic.Int64 // currently admitted sessions
	Admitted          atomic.Int64 // successful handshakes
	RejectedFull      atomic.Int64 // handshakes refused for capacity
	RejectedNameTaken atomic.Int64 // handshakes refused for a duplicate name
	HandshakeFailures atomic.Int64 // handshakes that timed out, errored or sent a bad name
	AcceptErrors      atomic.Int64 // listener accept failures, retried
	TotalDisconnects  atomic.Int64 // sessions closed (quit, peer close, error)

	// Command counters
	ListRequests      atomic.Int64
	MessagesRelayed   atomic.Int64 // msg commands accepted
	FilesRelayed      atomic.Int64 // file commands accepted
	MalformedCommands atomic.Int64
	ProtocolErrors    atomic.Int64 // over-long lines
	RateLimited       atomic.Int64 // commands dropped by flood control

	// Delivery counters
	Deliveries        atomic.Int64 // frames written to a recipient
	DeliveryErrors    atomic.Int64 // recipient writes that failed
	UnknownRecipients atomic.Int64 // recipients not connected
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections  int64 `json:"total_connections"`
	ActiveSessions    int64 `json:"active_sessions"`
	Admitted          int64 `json:"admitted"`
	RejectedFull      int64 `json:"rejected_full"`
	RejectedNameTaken int64 `json:"rejected_name_taken"`
	HandshakeFailures int64 `json:"handshake_failures"`
	AcceptErrors      int64 `json:"accept_errors"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ListRequests      int64 `json:"list_requests"`
	MessagesRelayed   int64 `json:"messages_relayed"`
	FilesRelayed      int64 `json:"files_relayed"`
	MalformedCommands int64 `json:"malformed_commands"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	RateLimited       int64 `json:"rate_limited"`

	Deliveries        int64 `json:"deliveries"`
	DeliveryErrors    int64 `json:"delivery_errors"`
	UnknownRecipients int64 `json:"unknown_recipients"`
}

// Snapshot returns a snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		TotalConnections:  m.TotalConnections.Load(),
		ActiveSessions:    m.ActiveSessions.Load(),
		Admitted:          m.Admitted.Load(),
		RejectedFull:      m.RejectedFull.Load(),
		RejectedNameTaken: m.RejectedNameTaken.Load(),
		HandshakeFailures: m.HandshakeFailures.Load(),
		AcceptErrors:      m.AcceptErrors.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ListRequests:      m.ListRequests.Load(),
		MessagesRelayed:   m.MessagesRelayed.Load(),
		FilesRelayed:      m.FilesRelayed.Load(),
		MalformedCommands: m.MalformedCommands.Load(),
		ProtocolErrors:    m.ProtocolErrors.Load(),
		RateLimited:       m.RateLimited.Load(),
		Deliveries:        m.Deliveries.Load(),
		DeliveryErrors:    m.DeliveryErrors.Load(),
		UnknownRecipients: m.UnknownRecipients.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.ActiveSessions,
		"total_connections", s.TotalConnections,
		"msgs", s.MessagesRelayed,
		"files", s.FilesRelayed,
		"delivery_errors", s.DeliveryErrors,
		"unknown_recipients", s.UnknownRecipients,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
