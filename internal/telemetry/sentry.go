// Package telemetry traces ingestion runs and queries with Sentry.
package telemetry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cloo-solutions/siriusdms/internal/domain"
	"github.com/getsentry/sentry-go"
)

const (
	serverName   = "siriusdms"
	flushTimeout = 5 * time.Second
)

type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
}

// Init configures the global Sentry client and returns its flush function.
// Without a DSN, or when the client cannot be built, tracing stays off and
// every span is a no-op.
func Init(cfg Config) func() {
	if cfg.DSN == "" {
		return func() {}
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serverName,
		TracesSampler:    sampler(cfg.TracesSampleRate),
	})
	if err != nil {
		log.Printf("telemetry: sentry disabled: %v", err)
		return func() {}
	}

	log.Printf("telemetry: sentry enabled (environment=%s, traces=%.2f)", cfg.Environment, cfg.TracesSampleRate)
	return func() { sentry.Flush(flushTimeout) }
}

// sampler drops probe traffic and keeps child spans with their parent.
func sampler(rate float64) sentry.TracesSampler {
	return func(ctx sentry.SamplingContext) float64 {
		switch ctx.Span.Name {
		case "GET /health", "GET /metrics":
			return 0
		}
		if ctx.Parent != nil {
			if ctx.Parent.Sampled.Bool() {
				return 1
			}
			return 0
		}
		return rate
	}
}

// SpanAttributes become tags, so they stay searchable in Sentry.
type SpanAttributes struct {
	DocumentID string
	TaskID     string
}

// Span is a pipeline step. The zero value and spans started without a
// Sentry client are safe to use.
type Span struct {
	inner *sentry.Span
}

// SetData attaches a measurement such as a chunk count.
func (s *Span) SetData(key string, value interface{}) {
	if s.inner != nil {
		s.inner.SetData(key, value)
	}
}

// Finish closes the span. Errors mark it failed; only unexpected ones are
// sent to Sentry as exceptions. Bad input documents and an unloaded model
// are outcomes the task already records.
func (s *Span) Finish(err error) {
	if s.inner == nil {
		return
	}
	switch {
	case err == nil:
		s.inner.Status = sentry.SpanStatusOK
	case errors.Is(err, context.Canceled):
		s.inner.Status = sentry.SpanStatusCanceled
	case errors.Is(err, context.DeadlineExceeded):
		s.inner.Status = sentry.SpanStatusDeadlineExceeded
	case expected(err):
		s.inner.Status = sentry.SpanStatusFailedPrecondition
	default:
		s.inner.Status = sentry.SpanStatusInternalError
		if hub := sentry.GetHubFromContext(s.inner.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
	}
	s.inner.Finish()
}

func expected(err error) bool {
	switch domain.ErrorCode(err) {
	case domain.ErrCodeValidation, domain.ErrCodeNotFound, domain.ErrCodeExtraction,
		domain.ErrCodeInvalidOperation, domain.ErrCodeModelUnavailable:
		return true
	}
	return false
}

// StartSpan starts a child of the span in ctx, or a new transaction when
// there is none.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}
	tag(span, attrs)
	return span.Context(), &Span{inner: span}
}

// StartTransaction starts a root span for background work such as a queued
// ingestion task.
func StartTransaction(ctx context.Context, name, op string, attrs SpanAttributes) (context.Context, *Span) {
	span := sentry.StartSpan(ctx, op,
		sentry.WithTransactionName(name),
		sentry.WithTransactionSource(sentry.SourceTask))
	tag(span, attrs)
	return span.Context(), &Span{inner: span}
}

func tag(span *sentry.Span, attrs SpanAttributes) {
	if attrs.DocumentID != "" {
		span.SetTag("document_id", attrs.DocumentID)
	}
	if attrs.TaskID != "" {
		span.SetTag("task_id", attrs.TaskID)
	}
}
