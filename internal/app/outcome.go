package app

import (
	"context"
	"log"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// EventSink exports outcome events to downstream reporting consumers.
type EventSink interface {
	Publish(ctx context.Context, key string, event any) error
}

// OutcomeRecorder emits one outcome per completed operation: a counter and a
// latency observation labelled by operation and status, a log line, and an
// optional export to the event sink.
type OutcomeRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	sink       EventSink
}

func NewOutcomeRecorder(reg prometheus.Registerer, sink EventSink) *OutcomeRecorder {
	r := &OutcomeRecorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledger",
				Name:      "operations_total",
				Help:      "Completed ledger operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency of completed ledger operations.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"operation", "status"},
		),
		sink: sink,
	}
	if reg != nil {
		reg.MustRegister(r.operations, r.latency)
	}
	return r
}

// Record finishes an outcome event and fans it out. A nil recorder is a no-op.
func (r *OutcomeRecorder) Record(ctx context.Context, event domain.OutcomeEvent) {
	if r == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.LatencyMS = float64(event.Latency.Microseconds()) / 1000

	r.operations.WithLabelValues(event.Operation, event.Status).Inc()
	r.latency.WithLabelValues(event.Operation, event.Status).Observe(event.Latency.Seconds())

	log.Printf("level=info component=outcome op=%s status=%s latency_ms=%.3f account_id=%s group_id=%s key=%s",
		event.Operation, event.Status, event.LatencyMS, event.AccountID, event.GroupID, event.IdempotencyKey)

	if r.sink == nil {
		return
	}
	// The request context may already be cancelled once the operation returns.
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.sink.Publish(exportCtx, event.Operation, event); err != nil {
		log.Printf("level=warn component=outcome op=%s msg=\"outcome export failed\" err=%v", event.Operation, err)
	}
}

// outcomeStatus turns an operation error into a low-cardinality status label.
func outcomeStatus(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return ErrorCode(err)
}
