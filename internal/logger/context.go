package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const ExecutionIDKey contextKey = "execution_id"
const StepKey contextKey = "step"

func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, id)
}

func GetExecutionID(ctx context.Context) string {
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return id
	}
	return ""
}

func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, StepKey, step)
}

func GetStep(ctx context.Context) string {
	if step, ok := ctx.Value(StepKey).(string); ok {
		return step
	}
	return ""
}

// FromContext returns the default logger annotated with any pipeline
// identifiers carried by ctx.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetExecutionID(ctx); id != "" {
		l = l.With("execution_id", id)
	}
	if step := GetStep(ctx); step != "" {
		l = l.With("step", step)
	}
	return l
}
