package repository

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cart-repository")

// TracingKV wraps a KV backend with tracing
type TracingKV struct {
	next    KV
	backend string
}

// NewTracingKV creates a KV decorator that opens a span per operation
func NewTracingKV(next KV, backend string) *TracingKV {
	return &TracingKV{next: next, backend: backend}
}

// Get with tracing
func (t *TracingKV) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := t.start(ctx, "kv.Get", key)
	defer span.End()

	value, err := t.next.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		span.SetAttributes(attribute.Bool("kv.hit", false))
		return nil, err
	}
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("kv.hit", true),
		attribute.Int("kv.value_size", len(value)),
	)
	return value, nil
}

// Set with tracing
func (t *TracingKV) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := t.start(ctx, "kv.Set", key)
	defer span.End()

	span.SetAttributes(attribute.Int("kv.value_size", len(value)))
	if err := t.next.Set(ctx, key, value); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// Delete with tracing
func (t *TracingKV) Delete(ctx context.Context, key string) error {
	ctx, span := t.start(ctx, "kv.Delete", key)
	defer span.End()

	if err := t.next.Delete(ctx, key); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (t *TracingKV) start(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("kv.backend", t.backend),
			attribute.String("kv.key", key),
		),
	)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
