// Package pagemend keeps third-party pages mended: for every configured page
// it runs the matching rules through watched transform coordinators, either
// in a live Chrome tab that stays open (browser mode) or once over the
// fetched HTML (http mode), and reports every outcome to sinks.
package pagemend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/pagemend/pagemend/internal/browser"
	"github.com/hazyhaar/pagemend/pagemend/internal/config"
	"github.com/hazyhaar/pagemend/pagemend/internal/fetcher"
	"github.com/hazyhaar/pagemend/pagemend/internal/sink"
	"github.com/hazyhaar/pagemend/report"
	"github.com/hazyhaar/pagemend/watchtx"
)

// ErrNoRules is returned when no rule applies to a page.
var ErrNoRules = errors.New("pagemend: no rule applies")

// ErrInvalid wraps configuration and request errors.
var ErrInvalid = errors.New("pagemend: invalid request")

// ErrStopped is returned by operations on a stopped Mender.
var ErrStopped = errors.New("pagemend: stopped")

type eventSource interface {
	Recent(ctx context.Context, pageID string, limit int) ([]report.Event, error)
}

// Mender is the top-level orchestrator. Create one per process.
type Mender struct {
	cfg     *config.Config
	mgr     *browser.Manager
	fetch   *fetcher.Fetcher
	sinkR   *sink.Router
	reg     *prometheus.Registry
	metrics *sink.Metrics
	events  eventSource
	db      *sql.DB
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serialises page operations; mu guards pages.
	opMu    sync.Mutex
	mu      sync.Mutex
	pages   map[string]*livePage
	hooked  bool
	stopped bool
}

// New creates a Mender from configuration. A Prometheus metrics sink is
// always attached; sinks receive every event and snapshot.
func New(cfg *config.Config, logger *slog.Logger, sinks ...sink.Sink) *Mender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := sink.NewMetrics(reg)

	m := &Mender{
		cfg: cfg,
		mgr: browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			MemoryLimit:      cfg.Browser.MemoryLimit,
			RecycleInterval:  cfg.Browser.RecycleInterval,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			Mode:             browser.ParseMode(cfg.Browser.Mode),
			XvfbDisplay:      cfg.Browser.XvfbDisplay,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			Logger:           logger,
		}),
		fetch:   fetcher.New(fetcher.WithLogger(logger)),
		sinkR:   sink.NewRouter(logger, append(sinks, metrics)...),
		reg:     reg,
		metrics: metrics,
		logger:  logger,
		pages:   make(map[string]*livePage),
	}
	for _, s := range sinks {
		if es, ok := s.(eventSource); ok {
			m.events = es
			break
		}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// UseDB makes the mend_pages table of db a page source: its active pages
// are applied by Start and kept in sync while running, and pages added
// through the API are persisted there. Call before Start.
func (m *Mender) UseDB(db *sql.DB) {
	m.db = db
}

// Start applies every configured page and, with a database, every stored
// page. A page that fails to apply is logged and skipped.
func (m *Mender) Start(ctx context.Context) error {
	for _, p := range m.cfg.Pages {
		if err := m.applyPage(ctx, p, sourceConfig); err != nil {
			m.logger.Error("pagemend: failed to apply page", "id", p.ID, "url", p.URL, "error", err)
		}
	}

	if m.db == nil {
		return nil
	}
	w := config.NewPageWatcher(m.db, config.WatchOptions{
		Interval: time.Second,
		Debounce: 500 * time.Millisecond,
		Logger:   m.logger,
	})
	if err := w.Prime(ctx); err != nil {
		return fmt.Errorf("pagemend: page version: %w", err)
	}
	pages, err := config.LoadPages(ctx, m.db)
	if err != nil {
		return fmt.Errorf("pagemend: load pages: %w", err)
	}
	if err := m.syncPages(ctx, pages); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.OnChange(m.ctx, m.syncPages)
	}()
	return nil
}

// Stop tears down every page, flushes the sinks and closes the browser.
func (m *Mender) Stop() {
	m.opMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.opMu.Unlock()
		return
	}
	m.stopped = true
	pages := m.pages
	m.pages = make(map[string]*livePage)
	m.mu.Unlock()

	for id, p := range pages {
		p.stop()
		m.logger.Info("pagemend: stopped page", "id", id)
	}
	m.opMu.Unlock()

	m.cancel()
	m.wg.Wait()
	if err := m.sinkR.Close(); err != nil {
		m.logger.Warn("pagemend: close sinks", "error", err)
	}
	m.mgr.Close()
}

// Registry is the Prometheus registry holding the pagemend series.
func (m *Mender) Registry() *prometheus.Registry { return m.reg }

// Status is a point-in-time view of the Mender.
type Status struct {
	Browser BrowserStatus `json:"browser"`
	Pages   []PageStatus  `json:"pages"`
}

// BrowserStatus describes the Chrome process.
type BrowserStatus struct {
	Running bool   `json:"running"`
	Uptime  string `json:"uptime,omitempty"`
}

// PageStatus describes one applied page.
type PageStatus struct {
	ID     string          `json:"id"`
	URL    string          `json:"url"`
	Mode   string          `json:"mode"`
	Source string          `json:"source"`
	Since  time.Time       `json:"since"`
	Rules  []watchtx.Stats `json:"rules"`
}

// Status reports the browser and every page, sorted by ID.
func (m *Mender) Status() Status {
	st := Status{Browser: BrowserStatus{Running: m.mgr.Browser() != nil}}
	if st.Browser.Running {
		st.Browser.Uptime = m.mgr.Uptime().Round(time.Second).String()
	}

	m.mu.Lock()
	for _, p := range m.pages {
		st.Pages = append(st.Pages, p.status())
	}
	m.mu.Unlock()

	sort.Slice(st.Pages, func(i, j int) bool { return st.Pages[i].ID < st.Pages[j].ID })
	return st
}

// ensureBrowser starts Chrome on first use and installs the recycle hooks.
func (m *Mender) ensureBrowser() error {
	if _, err := m.mgr.Start(m.ctx); err != nil {
		return fmt.Errorf("pagemend: start browser: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hooked {
		m.hooked = true
		m.mgr.SetRecycleHooks(browser.RecycleHooks{
			Before: m.suspendBrowserPages,
			After:  func(*rod.Browser) { m.resumeBrowserPages() },
		})
	}
	return nil
}

// suspendBrowserPages stops the coordinators of every browser page before
// Chrome goes away. The page configs stay registered.
func (m *Mender) suspendBrowserPages() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, p := range m.browserPages() {
		p.stop()
	}
}

// resumeBrowserPages reopens every suspended browser page in the new
// Chrome. Pages applied after the suspension already run there.
func (m *Mender) resumeBrowserPages() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, p := range m.suspendedPages() {
		np, err := m.openBrowserPage(m.ctx, p.cfg, p.binds)
		if err != nil {
			m.logger.Error("pagemend: reopen page after recycle failed", "id", p.cfg.ID, "error", err)
			continue
		}
		np.source = p.source
		m.mu.Lock()
		m.pages[p.cfg.ID] = np
		m.mu.Unlock()
	}
}

func (m *Mender) suspendedPages() []*livePage {
	var out []*livePage
	for _, p := range m.browserPages() {
		if p.stopped {
			out = append(out, p)
		}
	}
	return out
}

func (m *Mender) browserPages() []*livePage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*livePage
	for _, p := range m.pages {
		if p.mode == config.ModeBrowser {
			out = append(out, p)
		}
	}
	return out
}
