package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types.
type runCtxKey struct{}
type sectionCtxKey struct{}
type phaseCtxKey struct{}
type attemptCtxKey struct{}

// WithRunID attaches a run identifier to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run identifier, or "".
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSection attaches a section identifier to the context.
func WithSection(ctx context.Context, sectionID string) context.Context {
	return context.WithValue(ctx, sectionCtxKey{}, sectionID)
}

// SectionFromContext returns the section identifier, or "".
func SectionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sectionCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPhase attaches a pipeline phase name to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// PhaseFromContext returns the phase name, or "".
func PhaseFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt attaches the attempt number to the context.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, attempt)
}

// AttemptFromContext returns the attempt number, or 0.
func AttemptFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(attemptCtxKey{}).(int); ok {
		return v
	}
	return 0
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if sectionID := SectionFromContext(ctx); sectionID != "" {
		fields = append(fields, zap.String("section_id", sectionID))
	}
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	if attempt := AttemptFromContext(ctx); attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}

	return fields
}
