package recognition

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-recognition/recognition"

const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
)

type instruments struct {
	cycles   metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

var loadInstruments = sync.OnceValue(func() *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{}
	// Instrument errors leave the field nil; recording is then skipped.
	inst.cycles, _ = meter.Int64Counter("loqa.recognition.cycles",
		metric.WithDescription("Listen cycles concluded, by strategy and outcome"))
	inst.failures, _ = meter.Int64Counter("loqa.recognition.resolver.failures",
		metric.WithDescription("Resolver calls that returned an error"))
	inst.duration, _ = meter.Float64Histogram("loqa.recognition.resolver.duration",
		metric.WithDescription("Resolver call latency"),
		metric.WithUnit("ms"))
	return inst
})

func (i *instruments) cycleEnded(strategy Strategy, outcome string) {
	if i == nil || i.cycles == nil {
		return
	}
	i.cycles.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("outcome", outcome),
	))
}

func (i *instruments) resolved(ctx context.Context, elapsed time.Duration, err error) {
	if i == nil {
		return
	}
	if i.duration != nil {
		i.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond))
	}
	if err != nil && i.failures != nil {
		i.failures.Add(ctx, 1)
	}
}

var tracer = otel.Tracer(instrumentationName)
