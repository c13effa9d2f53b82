package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MetricsHandler returns the HTTP routes exposing relay state:
//
//	GET /metrics       Prometheus text exposition
//	GET /metrics.json  MetricsSnapshot as JSON
//	GET /sessions      sorted connected usernames as JSON
//	GET /healthz       liveness
func (s *Server) MetricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON()))
	})
	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Count     int      `json:"count"`
			Usernames []string `json:"usernames"`
		}{s.registry.Len(), s.registry.Usernames()})
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// serveMetricsHTTP serves MetricsHandler on cfg.MetricsAddr until ctx is
// done.
func (s *Server) serveMetricsHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info("metrics HTTP listening", "addr", s.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: metrics http: %w", err)
	}
	return nil
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP chatrelay_uptime_seconds Relay uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE chatrelay_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "chatrelay_uptime_seconds %f\n", uptime)

	write("chatrelay_sessions_active", "Currently admitted sessions.", "gauge",
		m.ActiveSessions.Load())
	write("chatrelay_sessions_max", "Configured session capacity.", "gauge",
		int64(s.cfg.MaxClients))
	write("chatrelay_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("chatrelay_admitted_total", "Successful handshakes.", "counter",
		m.Admitted.Load())
	write("chatrelay_rejected_full_total", "Handshakes refused because the relay was full.", "counter",
		m.RejectedFull.Load())
	write("chatrelay_rejected_name_taken_total", "Handshakes refused for a duplicate username.", "counter",
		m.RejectedNameTaken.Load())
	write("chatrelay_handshake_failures_total", "Handshakes that failed before admission.", "counter",
		m.HandshakeFailures.Load())
	write("chatrelay_accept_errors_total", "Listener accept errors, retried.", "counter",
		m.AcceptErrors.Load())
	write("chatrelay_disconnects_total", "Sessions closed.", "counter",
		m.TotalDisconnects.Load())

	write("chatrelay_list_requests_total", "list commands served.", "counter",
		m.ListRequests.Load())
	write("chatrelay_messages_total", "msg commands relayed.", "counter",
		m.MessagesRelayed.Load())
	write("chatrelay_files_total", "file commands relayed.", "counter",
		m.FilesRelayed.Load())
	write("chatrelay_malformed_total", "Unparseable command lines.", "counter",
		m.MalformedCommands.Load())
	write("chatrelay_protocol_errors_total", "Sessions closed for oversized lines.", "counter",
		m.ProtocolErrors.Load())
	write("chatrelay_rate_limited_total", "Commands dropped by flood control.", "counter",
		m.RateLimited.Load())

	write("chatrelay_deliveries_total", "Frames delivered to recipients.", "counter",
		m.Deliveries.Load())
	write("chatrelay_delivery_errors_total", "Failed recipient writes.", "counter",
		m.DeliveryErrors.Load())
	write("chatrelay_unknown_recipients_total", "Recipients that were not connected.", "counter",
		m.UnknownRecipients.Load())
}
