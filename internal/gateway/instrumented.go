package gateway

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mversen/custodia/internal/circuitbreaker"
	"github.com/mversen/custodia/internal/traces"
)

const breakerKey = "payment_rail"

var (
	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custodia",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by operation and result.",
	}, []string{"operation", "result"})

	gatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "custodia",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payment gateway call latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(gatewayCalls, gatewayLatency)
}

// Instrumented wraps a PaymentGateway with a circuit breaker, Prometheus
// counters, and tracing spans.
//
// Only transient failures count against the breaker: a declined card means
// the rail is healthy and saying no, not that it is down.
type Instrumented struct {
	next    PaymentGateway
	breaker *circuitbreaker.Breaker
}

// Instrument wraps gw. A nil breaker gets sensible defaults.
func Instrument(gw PaymentGateway, breaker *circuitbreaker.Breaker) *Instrumented {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Instrumented{next: gw, breaker: breaker}
}

func (i *Instrumented) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	if !i.breaker.Allow(breakerKey) {
		gatewayCalls.WithLabelValues(operation, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	ctx, span := traces.StartSpan(ctx, "gateway."+operation,
		attribute.String("gateway.operation", operation))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	gatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		i.breaker.RecordSuccess(breakerKey)
		gatewayCalls.WithLabelValues(operation, "ok").Inc()
	case IsTransient(err):
		i.breaker.RecordFailure(breakerKey)
		gatewayCalls.WithLabelValues(operation, "transient").Inc()
		traces.RecordError(span, err)
	default:
		// Permanent rejection: the rail answered, keep the circuit closed.
		i.breaker.RecordSuccess(breakerKey)
		gatewayCalls.WithLabelValues(operation, "rejected").Inc()
		traces.RecordError(span, err)
	}
	return err
}

func (i *Instrumented) AuthorizeHold(ctx context.Context, payerRef string, amountCents int64, currency, idempotencyKey string) (ref string, err error) {
	err = i.call(ctx, "authorize_hold", func(ctx context.Context) error {
		ref, err = i.next.AuthorizeHold(ctx, payerRef, amountCents, currency, idempotencyKey)
		return err
	})
	return ref, err
}

func (i *Instrumented) Capture(ctx context.Context, holdRef, idempotencyKey string) (ref string, err error) {
	err = i.call(ctx, "capture", func(ctx context.Context) error {
		ref, err = i.next.Capture(ctx, holdRef, idempotencyKey)
		return err
	})
	return ref, err
}

func (i *Instrumented) TransferToPayee(ctx context.Context, captureRef, payeeRef string, netCents int64, currency, idempotencyKey string) (ref string, err error) {
	err = i.call(ctx, "transfer", func(ctx context.Context) error {
		ref, err = i.next.TransferToPayee(ctx, captureRef, payeeRef, netCents, currency, idempotencyKey)
		return err
	})
	return ref, err
}

func (i *Instrumented) CancelHold(ctx context.Context, holdRef, idempotencyKey string) error {
	return i.call(ctx, "cancel_hold", func(ctx context.Context) error {
		return i.next.CancelHold(ctx, holdRef, idempotencyKey)
	})
}

func (i *Instrumented) Refund(ctx context.Context, captureRef string, amountCents int64, idempotencyKey string) (ref string, err error) {
	err = i.call(ctx, "refund", func(ctx context.Context) error {
		ref, err = i.next.Refund(ctx, captureRef, amountCents, idempotencyKey)
		return err
	})
	return ref, err
}

var _ PaymentGateway = (*Instrumented)(nil)
