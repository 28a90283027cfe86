package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pagemend/report"
)

// EventSchema is the DDL of the event log table.
const EventSchema = `
CREATE TABLE IF NOT EXISTS mend_events (
    event_id   TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    rule       TEXT NOT NULL,
    page_id    TEXT NOT NULL DEFAULT '',
    page_url   TEXT NOT NULL,
    generation INTEGER NOT NULL DEFAULT 0,
    targets    INTEGER NOT NULL DEFAULT 0,
    applied    INTEGER NOT NULL DEFAULT 0,
    unchanged  INTEGER NOT NULL DEFAULT 0,
    skipped    INTEGER NOT NULL DEFAULT 0,
    attempts   INTEGER NOT NULL DEFAULT 0,
    detail     TEXT NOT NULL DEFAULT '',
    timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mend_events_page ON mend_events(page_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_mend_events_kind ON mend_events(kind);
`

const insertEvent = `INSERT OR IGNORE INTO mend_events
	(event_id, kind, rule, page_id, page_url, generation, targets,
	 applied, unchanged, skipped, attempts, detail, timestamp)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`

// EventLog persists events to SQLite in batches. Sends never block: when
// the buffer is full the event is written synchronously instead.
type EventLog struct {
	db     *sql.DB
	ch     chan report.Event
	every  time.Duration
	logger *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEventLog applies EventSchema and starts the flush loop. A flush
// happens every 100 events or every interval, whichever comes first.
func NewEventLog(db *sql.DB, bufferSize int, interval time.Duration, logger *slog.Logger) (*EventLog, error) {
	if _, err := db.Exec(EventSchema); err != nil {
		return nil, fmt.Errorf("eventlog: schema: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &EventLog{
		db:     db,
		ch:     make(chan report.Event, bufferSize),
		every:  interval,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.flushLoop()
	return l, nil
}

func (l *EventLog) Send(ctx context.Context, ev report.Event) error {
	select {
	case l.ch <- ev:
		return nil
	default:
		l.logger.Warn("eventlog: buffer full, writing synchronously", "rule", ev.Rule)
		_, err := l.db.ExecContext(ctx, insertEvent, eventArgs(ev)...)
		return err
	}
}

// SendSnapshot is a no-op: snapshots go to the other sinks.
func (l *EventLog) SendSnapshot(context.Context, report.Snapshot) error { return nil }

// Close flushes what is buffered. The database stays open.
func (l *EventLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}

// Recent returns the latest events, newest first. An empty pageID means
// every page.
func (l *EventLog) Recent(ctx context.Context, pageID string, limit int) ([]report.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_id, kind, rule, page_id, page_url, generation, targets,
		applied, unchanged, skipped, attempts, detail, timestamp
		FROM mend_events`
	var args []any
	if pageID != "" {
		q += " WHERE page_id = ?"
		args = append(args, pageID)
	}
	q += " ORDER BY timestamp DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []report.Event
	for rows.Next() {
		var ev report.Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.Rule, &ev.PageID, &ev.PageURL,
			&ev.Generation, &ev.Targets, &ev.Applied, &ev.Unchanged, &ev.Skipped,
			&ev.Attempts, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		ev.Kind = report.Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *EventLog) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()
	batch := make([]report.Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.write(batch); err != nil {
			l.logger.Error("eventlog: flush", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case ev := <-l.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-l.ch:
			batch = append(batch, ev)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (l *EventLog) write(batch []report.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx, eventArgs(ev)...); err != nil {
			l.logger.Error("eventlog: insert", "event_id", ev.ID, "error", err)
		}
	}
	return tx.Commit()
}

func eventArgs(ev report.Event) []any {
	return []any{
		ev.ID, string(ev.Kind), ev.Rule, ev.PageID, ev.PageURL, ev.Generation, ev.Targets,
		ev.Applied, ev.Unchanged, ev.Skipped, ev.Attempts, ev.Detail, ev.Timestamp,
	}
}
