package server

import (
	"log/slog"

	"github.com/NicolasHaas/chatrelay/pkg/event"
)

// Router delivers encoded frames to recipients resolved through a Registry.
type Router struct {
	registry *Registry
	events   event.Sink
	metrics  *Metrics
	log      *slog.Logger
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, events event.Sink, metrics *Metrics, log *slog.Logger) *Router {
	return &Router{registry: registry, events: events, metrics: metrics, log: log}
}

// Deliver writes frame to each recipient in order. An unknown recipient
// produces an event; a failed write is logged and counted. Neither stops
// delivery to the remaining recipients, and neither is reported to the
// sender. Returns the number of successful deliveries.
func (r *Router) Deliver(sender string, recipients []string, frame string, file bool) int {
	delivered := 0
	for _, name := range recipients {
		sess, ok := r.registry.Lookup(name)
		if !ok {
			r.metrics.UnknownRecipients.Add(1)
			r.events.Emit(event.UnknownRecipient(file, sender, name))
			continue
		}
		if err := sess.Send(frame); err != nil {
			r.metrics.DeliveryErrors.Add(1)
			r.log.Warn("delivery failed", "sender", sender, "recipient", name, "session", sess.ID, "err", err)
			continue
		}
		r.metrics.Deliveries.Add(1)
		delivered++
	}
	return delivered
}
