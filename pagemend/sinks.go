package pagemend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagemend/pagemend/internal/sink"
	"github.com/hazyhaar/pagemend/report"
)

// Sink is the output interface for pagemend events and snapshots.
type Sink = sink.Sink

// EventLog is the SQLite event sink.
type EventLog = sink.EventLog

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, retries int, logger *slog.Logger) Sink {
	opts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
	if retries > 0 {
		opts = append(opts, sink.WithWebhookRetries(retries))
	}
	return sink.NewWebhook(url, opts...)
}

// NewCallbackSink creates an in-process sink. Either function may be nil.
func NewCallbackSink(
	onEvent func(ctx context.Context, ev report.Event) error,
	onSnapshot func(ctx context.Context, snap report.Snapshot) error,
) Sink {
	return sink.NewCallback(onEvent, onSnapshot)
}

// NewEventLogSink persists events to the mend_events table of db.
func NewEventLogSink(db *sql.DB, logger *slog.Logger) (*EventLog, error) {
	return sink.NewEventLog(db, 1000, 5*time.Second, logger)
}

// BuildSinks creates the sinks listed in cfg. The eventlog sink needs db.
func BuildSinks(cfg *Config, db *sql.DB, stdout io.Writer, logger *slog.Logger) ([]Sink, error) {
	var sinks []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, NewStdoutSink(stdout))
		case "webhook":
			sinks = append(sinks, NewWebhookSink(sc.URL, sc.Retries, logger))
		case "eventlog":
			if db == nil {
				return nil, fmt.Errorf("pagemend: eventlog sink needs a database")
			}
			el, err := NewEventLogSink(db, logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, el)
		default:
			logger.Warn("pagemend: unknown sink type", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, NewStdoutSink(stdout))
	}
	return sinks, nil
}
