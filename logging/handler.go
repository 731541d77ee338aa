package logging

import (
	"context"
	"log/slog"
)

const componentKey = "component"

// filteringHandler drops records below the level configured for the
// handler's component. The component is taken from the last
// "component" attribute added with WithAttrs.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
	level     slog.Level
}

// NewFilteringHandler wraps inner with per-component filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
		level: spec.BaseLevel.ToSlog(),
	}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.level {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == componentKey {
			next.component = a.Value.String()
		}
	}
	next.level = h.spec.LevelFor(next.component).ToSlog()
	return &next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
