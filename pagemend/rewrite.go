package pagemend

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/dom/memdom"
	"github.com/hazyhaar/pagemend/pagemend/internal/browser"
	"github.com/hazyhaar/pagemend/pagemend/internal/config"
	"github.com/hazyhaar/pagemend/pagemend/internal/fetcher"
	"github.com/hazyhaar/pagemend/report"
	"github.com/hazyhaar/pagemend/watchtx"
)

// RewriteOptions tunes a one-shot rewrite.
type RewriteOptions struct {
	// Mode is http, browser or auto (default).
	Mode string
	// Rules names the rules to run; empty runs every built-in rule
	// matching the URL.
	Rules []string
	// Timeout bounds the whole rewrite. Default: 90s.
	Timeout time.Duration
}

// RewriteResult is a mended page.
type RewriteResult struct {
	URL       string          `json:"url"`
	Mode      string          `json:"mode"`
	Escalated bool            `json:"escalated,omitempty"`
	HTML      string          `json:"html"`
	HTMLHash  string          `json:"html_hash"`
	Events    []report.Event  `json:"events"`
	Rules     []watchtx.Stats `json:"rules"`
}

// Applied sums the elements transformed across rules.
func (r *RewriteResult) Applied() int {
	n := 0
	for _, ev := range r.Events {
		n += ev.Applied
	}
	return n
}

// Rewrite mends pageURL once and returns the resulting HTML. Auto mode
// fetches over HTTP first and escalates to the browser when the page looks
// client-rendered or no rule found a target in it.
func (m *Mender) Rewrite(ctx context.Context, pageURL string, opts RewriteOptions) (*RewriteResult, error) {
	if opts.Mode == "" {
		opts.Mode = config.ModeAuto
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.HTTP.RewriteTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	binds, err := bindNames(pageURL, opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(binds) == 0 {
		return nil, fmt.Errorf("pagemend: %s: %w", pageURL, ErrNoRules)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	switch opts.Mode {
	case config.ModeHTTP:
		res, err := m.fetch.Fetch(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		col := &collector{next: m.sinkR}
		out, err := m.mendStatic(ctx, res, "", binds, col)
		if err != nil {
			return nil, err
		}
		return out.result(res.URL, config.ModeHTTP, col.events), nil

	case config.ModeBrowser:
		return m.rewriteBrowser(ctx, pageURL, binds)

	case config.ModeAuto:
		res, err := m.fetch.Fetch(ctx, pageURL)
		if err != nil {
			m.logger.Warn("pagemend: auto fetch failed, escalating to browser", "url", pageURL, "error", err)
			return m.escalated(ctx, pageURL, binds)
		}
		if !res.Sufficient {
			m.logger.Info("pagemend: content insufficient via HTTP, escalating to browser", "url", pageURL)
			return m.escalated(ctx, pageURL, binds)
		}
		// Held back until the static attempt is known to be kept.
		col := &collector{}
		out, err := m.mendStatic(ctx, res, "", binds, col)
		if err != nil {
			return nil, err
		}
		r := out.result(res.URL, config.ModeHTTP, col.events)
		if targets(col.events) == 0 {
			m.logger.Info("pagemend: no target in static HTML, escalating to browser", "url", pageURL)
			return m.escalated(ctx, pageURL, binds)
		}
		for _, ev := range col.events {
			m.sinkR.Report(ctx, ev)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalid, opts.Mode)
	}
}

func (m *Mender) escalated(ctx context.Context, pageURL string, binds []binding) (*RewriteResult, error) {
	r, err := m.rewriteBrowser(ctx, pageURL, binds)
	if r != nil {
		r.Escalated = true
	}
	return r, err
}

// rewriteBrowser loads the page in a fresh tab, waits for every rule to
// transform its first generation or give up, and serialises the DOM.
func (m *Mender) rewriteBrowser(ctx context.Context, pageURL string, binds []binding) (*RewriteResult, error) {
	if err := m.ensureBrowser(); err != nil {
		return nil, err
	}
	tab, err := browser.OpenTab(ctx, m.mgr, pageURL, "")
	if err != nil {
		return nil, fmt.Errorf("pagemend: open tab: %w", err)
	}
	defer tab.Close()

	doc, err := tab.Document(ctx, browser.DocumentConfig{
		Window:   m.cfg.Browser.Window,
		MaxDelay: m.cfg.Browser.MaxDelay,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	col := &collector{next: m.sinkR}
	stats, gen, err := m.runCoordinators(ctx, doc, "", binds, col, runOneShot)
	if err != nil {
		return nil, err
	}

	// The rewrite deadline may be spent: serialising is still worth a try.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()
	html, err := tab.GetFullDOM(sctx)
	if err != nil {
		return nil, err
	}
	out := staticOutcome{html: string(html), generation: gen, stats: stats}
	return out.result(doc.URL(), config.ModeBrowser, col.events), nil
}

// staticOutcome is what running every rule over one document produced.
type staticOutcome struct {
	html       string
	generation uint64
	stats      []watchtx.Stats
}

func (o staticOutcome) result(url, mode string, events []report.Event) *RewriteResult {
	return &RewriteResult{
		URL:      url,
		Mode:     mode,
		HTML:     o.html,
		HTMLHash: report.HashHTML([]byte(o.html)),
		Events:   events,
		Rules:    o.stats,
	}
}

// mendStatic parses a fetched page into memory, runs every rule once over
// it and renders the result.
func (m *Mender) mendStatic(ctx context.Context, res *fetcher.Result, pageID string, binds []binding, rep watchtx.Reporter) (staticOutcome, error) {
	doc, err := memdom.Parse(bytes.NewReader(res.Body), res.URL)
	if err != nil {
		return staticOutcome{}, fmt.Errorf("pagemend: parse %s: %w", res.URL, err)
	}
	defer doc.Close()

	stats, gen, err := m.runCoordinators(ctx, doc, pageID, binds, rep, runStatic)
	if err != nil {
		return staticOutcome{}, err
	}
	out := staticOutcome{stats: stats, generation: gen}
	if out.html, err = doc.Render(); err != nil {
		return staticOutcome{}, fmt.Errorf("pagemend: render: %w", err)
	}
	return out, nil
}

// runCoordinators runs one coordinator per rule until each has settled
// or ctx expires, stops them all and returns their final counters.
func (m *Mender) runCoordinators(ctx context.Context, doc dom.Document, pageID string, binds []binding, rep watchtx.Reporter, how run) ([]watchtx.Stats, uint64, error) {
	coords := make([]*watchtx.Coordinator, 0, len(binds))
	defer func() {
		for _, c := range coords {
			c.Stop()
		}
	}()
	for _, b := range binds {
		c, err := m.newCoordinator(b, doc, pageID, rep, how)
		if err == nil {
			err = c.Start(ctx)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("pagemend: rule %s: %w", b.rule.Name(), err)
		}
		coords = append(coords, c)
	}
	for _, c := range coords {
		if _, err := c.Wait(ctx); err != nil {
			m.logger.Warn("pagemend: rewrite deadline reached", "url", doc.URL(), "error", err)
			break
		}
	}

	stats := make([]watchtx.Stats, 0, len(coords))
	var gen uint64
	for _, c := range coords {
		stats = append(stats, c.Stats())
		gen = max(gen, c.Generation())
	}
	return stats, gen, nil
}

func targets(events []report.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == report.KindApplied {
			n += ev.Targets
		}
	}
	return n
}

// collector records events and forwards them to next, if any.
type collector struct {
	mu     sync.Mutex
	events []report.Event
	next   watchtx.Reporter
}

func (c *collector) Report(ctx context.Context, ev report.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if c.next != nil {
		c.next.Report(ctx, ev)
	}
}
