package logging

import (
	"context"
	"log/slog"
)

// componentKey is the attribute key carrying the component name.
const componentKey = "component"

// filteringHandler drops records below the level the Spec assigns to
// the handler's component. The component is taken from the most recent
// "component" attribute added with WithAttrs.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with per-component filtering. inner
// should accept every level down to LevelTrace.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
	}
}

// Enabled reports whether level reaches the level the spec sets for
// the handler's component, or the base level when it has none.
func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

// Handle passes r to the inner handler unless the component's level
// filters it out.
func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a handler with attrs added. A "component"
// attribute among them becomes the component used for filtering; the
// last one wins.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			nh.component = attr.Value.String()
		}
	}
	return nh
}

// WithGroup returns a handler with the group name appended. Groups do
// not change the component, so attributes added inside a group still
// filter by the component set before it.
func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
