// Package sink delivers mending outcomes to their consumers.
package sink

import (
	"context"

	"github.com/hazyhaar/pagemend/report"
)

// Sink is an output backend for events and snapshots.
type Sink interface {
	Send(ctx context.Context, ev report.Event) error
	SendSnapshot(ctx context.Context, snap report.Snapshot) error
	Close() error
}
