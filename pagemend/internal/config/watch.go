package config

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different tokens mean the page
// table changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// MaxStamp versions mend_pages by its newest updated_at and row count.
func MaxStamp(ctx context.Context, db *sql.DB) (int64, error) {
	var n, stamp int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM mend_pages`).Scan(&n, &stamp)
	return stamp<<10 | n&1023, err
}

// DataVersion uses PRAGMA data_version, which moves when another
// connection commits. Writes through the same connection are invisible.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// WatchOptions tunes a PageWatcher.
type WatchOptions struct {
	Interval time.Duration // default 1s
	Debounce time.Duration // 0 fires immediately
	Detector Detector      // default MaxStamp
	Logger   *slog.Logger
}

// PageWatcher polls mend_pages and reloads when it changes.
type PageWatcher struct {
	db   *sql.DB
	opts WatchOptions

	version atomic.Int64
	primed  atomic.Bool
	checks  atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

// WatchStats are point-in-time counters.
type WatchStats struct {
	Checks  int64 `json:"checks"`
	Reloads int64 `json:"reloads"`
	Errors  int64 `json:"errors"`
}

// NewPageWatcher creates a watcher. Call OnChange to start it.
func NewPageWatcher(db *sql.DB, opts WatchOptions) *PageWatcher {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Detector == nil {
		opts.Detector = MaxStamp
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PageWatcher{db: db, opts: opts}
}

func (w *PageWatcher) Stats() WatchStats {
	return WatchStats{Checks: w.checks.Load(), Reloads: w.reloads.Load(), Errors: w.errors.Load()}
}

// Prime records the current version as the starting point. Call it before
// loading the pages the caller starts from, so that a write landing between
// that load and OnChange is still seen as a change.
func (w *PageWatcher) Prime(ctx context.Context) error {
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		return err
	}
	w.version.Store(v)
	w.primed.Store(true)
	return nil
}

// OnChange blocks until ctx is cancelled. Unless primed, the version at
// call time is the starting point. After a change and a quiet
// debounce window it loads the active pages and passes them to action.
// When action fails the version is not advanced and the reload is retried
// on the next poll.
func (w *PageWatcher) OnChange(ctx context.Context, action func(context.Context, []PageConfig) error) {
	log := w.opts.Logger
	if !w.primed.Load() {
		if err := w.Prime(ctx); err != nil {
			log.Warn("config: initial page version check failed", "error", err)
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				w.errors.Add(1)
				log.Warn("config: page version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (w *PageWatcher) fire(ctx context.Context, action func(context.Context, []PageConfig) error, ver int64) {
	pages, err := LoadPages(ctx, w.db)
	if err == nil {
		err = action(ctx, pages)
	}
	if err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("config: page reload failed", "error", err)
		return
	}
	w.reloads.Add(1)
	w.version.Store(ver)
	w.opts.Logger.Info("config: pages reloaded", "pages", len(pages))
}
