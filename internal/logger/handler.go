package logger

import (
	"context"
	"log/slog"

	"geofy/apps/imagery/internal/middleware"
)

// ContextHandler decorates records with the correlation id carried in the
// context, so log lines emitted under a request or a background job execution
// can be tied back to their origin.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}
