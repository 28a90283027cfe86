package sink

import (
	"context"

	"github.com/hazyhaar/pagemend/report"
)

// EventFunc receives each event.
type EventFunc func(ctx context.Context, ev report.Event) error

// SnapshotFunc receives each snapshot.
type SnapshotFunc func(ctx context.Context, snap report.Snapshot) error

// Callback delivers outcomes in-process, without serialisation.
type Callback struct {
	onEvent    EventFunc
	onSnapshot SnapshotFunc
}

// NewCallback creates a Callback sink. Either handler may be nil.
func NewCallback(onEvent EventFunc, onSnapshot SnapshotFunc) *Callback {
	return &Callback{onEvent: onEvent, onSnapshot: onSnapshot}
}

func (c *Callback) Send(ctx context.Context, ev report.Event) error {
	if c.onEvent == nil {
		return nil
	}
	return c.onEvent(ctx, ev)
}

func (c *Callback) SendSnapshot(ctx context.Context, snap report.Snapshot) error {
	if c.onSnapshot == nil {
		return nil
	}
	return c.onSnapshot(ctx, snap)
}

func (c *Callback) Close() error { return nil }
