package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/mversen/custodia/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter bridges the escrow and dispute services to the webhook dispatcher.
// It satisfies both services' EventSink interface: delivery is fire-and-forget,
// errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit routes a domain event to the webhooks of every party named in the
// event data. Events carry payerId and payeeId fields; each party's active
// subscriptions receive the event once.
func (e *Emitter) Emit(ctx context.Context, eventType string, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	et := EventType(eventType)
	webhookEmitTotal.WithLabelValues(eventType).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      et,
		Timestamp: time.Now(),
		Data:      data,
	}

	dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, partyID := range e.parties(data) {
		if err := e.d.DispatchToParty(dispatchCtx, partyID, event); err != nil {
			webhookEmitErrors.WithLabelValues(eventType).Inc()
			e.logger.Warn("webhook emit failed", "event", eventType, "party", partyID, "error", err)
		}
	}
}

func (e *Emitter) parties(data map[string]any) []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range []string{"payerId", "payeeId"} {
		id, _ := data[key].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
