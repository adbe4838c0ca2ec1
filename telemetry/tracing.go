package telemetry

import (
	"context"
	"log/slog"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracing owns the tracer provider for the painter. Spans are consumed
// in-process: anything slower than the configured threshold is surfaced
// through the logger, which is where a painter operator actually looks.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

func NewTracing(log *slog.Logger, slowThreshold time.Duration) *Tracing {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&slowSpanProcessor{
		log:       log,
		threshold: slowThreshold,
	}))
	return &Tracing{provider: provider}
}

func (t *Tracing) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

func (t *Tracing) Close() {
	_ = t.provider.Shutdown(context.Background())
}

type slowSpanProcessor struct {
	log       *slog.Logger
	threshold time.Duration
}

func (p *slowSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *slowSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	elapsed := span.EndTime().Sub(span.StartTime())
	if elapsed < p.threshold {
		return
	}
	p.log.Warn("slow span", "span", span.Name(), "elapsed", elapsed)
}

func (p *slowSpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (p *slowSpanProcessor) ForceFlush(context.Context) error {
	return nil
}
