package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SirClappington/askbot/internal/domain"
)

const meterName = "github.com/SirClappington/askbot/internal/queue"

type instruments struct {
	enqueuedC   metric.Int64Counter
	duplicatesC metric.Int64Counter
	finishedC   metric.Int64Counter
	retriedC    metric.Int64Counter
	processing  metric.Float64Histogram
}

// newInstruments registers against the global meter provider, which is a
// no-op until an SDK provider is installed.
func newInstruments() *instruments {
	m := otel.Meter(meterName)
	i := &instruments{}
	i.enqueuedC, _ = m.Int64Counter("askbot.queue.enqueued",
		metric.WithDescription("Jobs accepted by the queue"))
	i.duplicatesC, _ = m.Int64Counter("askbot.queue.duplicates",
		metric.WithDescription("Submissions that resolved to an existing job"))
	i.finishedC, _ = m.Int64Counter("askbot.queue.finished",
		metric.WithDescription("Jobs that reached a terminal state"))
	i.retriedC, _ = m.Int64Counter("askbot.queue.retried",
		metric.WithDescription("Attempts rescheduled after a failure"))
	i.processing, _ = m.Float64Histogram("askbot.queue.processing_time",
		metric.WithDescription("Duration of the attempt that produced a result"),
		metric.WithUnit("ms"))
	return i
}

func platformAttr(p domain.Platform) attribute.KeyValue {
	return attribute.String("platform", string(p))
}

func (i *instruments) enqueued(ctx context.Context, p domain.Platform) {
	i.enqueuedC.Add(ctx, 1, metric.WithAttributes(platformAttr(p)))
}

func (i *instruments) duplicate(ctx context.Context, p domain.Platform) {
	i.duplicatesC.Add(ctx, 1, metric.WithAttributes(platformAttr(p)))
}

func (i *instruments) retried(ctx context.Context, p domain.Platform) {
	i.retriedC.Add(ctx, 1, metric.WithAttributes(platformAttr(p)))
}

func (i *instruments) finished(ctx context.Context, p domain.Platform, s domain.State, res domain.Result) {
	attrs := metric.WithAttributes(
		platformAttr(p),
		attribute.String("state", string(s)),
		attribute.Bool("success", res.Success),
	)
	i.finishedC.Add(ctx, 1, attrs)
	i.processing.Record(ctx, float64(res.ProcessingTime.Milliseconds()), attrs)
}
