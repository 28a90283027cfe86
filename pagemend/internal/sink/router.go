package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/pagemend/report"
)

// Router fans out to every sink. A failing sink does not stop the others;
// the first error is returned.
type Router struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (r *Router) Add(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

func (r *Router) Send(ctx context.Context, ev report.Event) error {
	return r.each("event", func(s Sink) error { return s.Send(ctx, ev) })
}

func (r *Router) SendSnapshot(ctx context.Context, snap report.Snapshot) error {
	return r.each("snapshot", func(s Sink) error { return s.SendSnapshot(ctx, snap) })
}

// Report lets the router serve as a coordinator reporter. Delivery errors
// are logged by each and go no further.
func (r *Router) Report(ctx context.Context, ev report.Event) {
	_ = r.Send(ctx, ev)
}

func (r *Router) Close() error {
	return r.each("close", func(s Sink) error { return s.Close() })
}

func (r *Router) each(what string, fn func(Sink) error) error {
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	var firstErr error
	for _, s := range sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: delivery failed", "what", what, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
