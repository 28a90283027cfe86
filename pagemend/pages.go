package pagemend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/pagemend/internal/browser"
	"github.com/hazyhaar/pagemend/pagemend/internal/config"
	"github.com/hazyhaar/pagemend/pagemend/internal/fetcher"
	"github.com/hazyhaar/pagemend/report"
	"github.com/hazyhaar/pagemend/rules"
	"github.com/hazyhaar/pagemend/watchtx"
)

// Page sources.
const (
	sourceConfig = "config"
	sourceDB     = "db"
	sourceAPI    = "api"
)

// binding is a rule with its coordinator settings.
type binding struct {
	rule rules.Rule
	rc   config.RuleConfig
}

// run selects how coordinators detect content.
type run int

const (
	runLive    run = iota // configured strategy, replacement watch until stopped
	runOneShot            // bounded polling, first generation only
	runStatic             // a single look at a document nothing mutates
)

// livePage is an applied page.
type livePage struct {
	cfg    config.PageConfig
	binds  []binding
	mode   string
	source string
	since  time.Time

	tab    *browser.Tab
	doc    *browser.Document
	coords []*watchtx.Coordinator
	// final holds the counters of an http page, whose coordinators are done.
	final []watchtx.Stats

	snaps   sync.WaitGroup
	stopped bool
}

func (p *livePage) status() PageStatus {
	st := PageStatus{ID: p.cfg.ID, URL: p.cfg.URL, Mode: p.mode, Source: p.source, Since: p.since}
	if p.final != nil {
		st.Rules = p.final
		return st
	}
	for _, c := range p.coords {
		st.Rules = append(st.Rules, c.Stats())
	}
	return st
}

// stop tears the page down. Safe to call more than once.
func (p *livePage) stop() {
	if p.stopped {
		return
	}
	p.stopped = true
	for _, c := range p.coords {
		c.Stop()
	}
	p.snaps.Wait()
	if p.doc != nil {
		p.doc.Close()
	}
	if p.tab != nil {
		p.tab.Close()
	}
}

// resolveRules builds the rules of a page. No configured rule means every
// built-in rule matching the URL, with default settings.
func resolveRules(pc config.PageConfig) ([]binding, error) {
	if len(pc.Rules) == 0 {
		var out []binding
		for _, r := range rules.ForURL(pc.URL) {
			out = append(out, binding{rule: r, rc: config.RuleConfig{Strategy: "watch"}})
		}
		return out, nil
	}
	out := make([]binding, 0, len(pc.Rules))
	for _, rc := range pc.Rules {
		r, err := rules.Build(rc.Spec)
		if err != nil {
			return nil, err
		}
		out = append(out, binding{rule: r, rc: rc})
	}
	return out, nil
}

// bindNames builds the named built-in rules, or the ones matching pageURL
// when names is empty.
func bindNames(pageURL string, names []string) ([]binding, error) {
	if len(names) == 0 {
		return resolveRules(config.PageConfig{URL: pageURL})
	}
	rcs := make([]config.RuleConfig, len(names))
	for i, n := range names {
		rcs[i] = config.RuleConfig{Spec: rules.Spec{Name: n}, Strategy: "watch"}
	}
	return resolveRules(config.PageConfig{URL: pageURL, Rules: rcs})
}

func (m *Mender) newCoordinator(b binding, doc dom.Document, pageID string, rep watchtx.Reporter, how run) (*watchtx.Coordinator, error) {
	locate, transform := rules.Bind(b.rule, doc)
	cfg := watchtx.Config{
		Name:            b.rule.Name(),
		PageID:          pageID,
		Document:        doc,
		Root:            b.rule.Root(),
		Subtree:         b.rule.Subtree(),
		Locate:          locate,
		Transform:       transform,
		MaxPollAttempts: b.rc.MaxPollAttempts,
		Reporter:        rep,
		Logger:          m.logger,
	}
	if b.rc.Strategy == "poll" {
		cfg.Strategy = watchtx.StrategyPoll
	}
	if b.rc.PollBase > 0 || b.rc.PollFactor > 0 {
		base, factor := b.rc.PollBase, b.rc.PollFactor
		if base <= 0 {
			base = watchtx.DefaultPollBase
		}
		if factor <= 0 {
			factor = watchtx.DefaultPollFactor
		}
		cfg.PollBackoff = watchtx.Exponential(base, factor)
	}
	switch how {
	case runOneShot:
		cfg.Strategy = watchtx.StrategyPoll
		cfg.SingleShot = true
	case runStatic:
		cfg.Strategy = watchtx.StrategyPoll
		cfg.SingleShot = true
		cfg.MaxPollAttempts = 1
	}
	return watchtx.New(cfg)
}

// ApplyPage starts mending a page, replacing any page with the same ID.
// With a database attached the page is persisted.
func (m *Mender) ApplyPage(ctx context.Context, pc config.PageConfig) error {
	pc.ApplyDefaults()
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if binds, err := resolveRules(pc); err == nil && len(binds) == 0 {
		return fmt.Errorf("pagemend: page %s: %w", pc.ID, ErrNoRules)
	}
	source := sourceAPI
	if m.db != nil {
		if err := config.SavePage(ctx, m.db, pc); err != nil {
			return fmt.Errorf("pagemend: save page: %w", err)
		}
		source = sourceDB
	}
	return m.applyPage(ctx, pc, source)
}

// StopPage stops mending a page. It reports whether the page was applied.
func (m *Mender) StopPage(ctx context.Context, id string) (bool, error) {
	m.opMu.Lock()
	found := m.stopPageLocked(id)
	m.opMu.Unlock()

	if m.db != nil {
		removed, err := config.RemovePage(ctx, m.db, id)
		if err != nil {
			return found, fmt.Errorf("pagemend: remove page: %w", err)
		}
		found = found || removed
	}
	return found, nil
}

func (m *Mender) stopPageLocked(id string) bool {
	m.mu.Lock()
	p, ok := m.pages[id]
	delete(m.pages, id)
	m.mu.Unlock()
	if ok {
		p.stop()
		m.logger.Info("pagemend: stopped page", "id", id)
	}
	return ok
}

func (m *Mender) applyPage(ctx context.Context, pc config.PageConfig, source string) error {
	pc.ApplyDefaults()
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	binds, err := resolveRules(pc)
	if err != nil {
		return fmt.Errorf("pagemend: page %s: %w", pc.ID, err)
	}
	if len(binds) == 0 {
		return fmt.Errorf("pagemend: page %s: %w", pc.ID, ErrNoRules)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	m.stopPageLocked(pc.ID)

	var p *livePage
	switch pc.Mode {
	case config.ModeHTTP:
		p, err = m.applyStatic(ctx, pc, binds, nil)
	case config.ModeAuto:
		res, ferr := m.fetch.Fetch(ctx, pc.URL)
		switch {
		case ferr != nil:
			m.logger.Warn("pagemend: auto fetch failed, escalating to browser", "url", pc.URL, "error", ferr)
			p, err = m.openBrowserPage(ctx, pc, binds)
		case !res.Sufficient:
			m.logger.Info("pagemend: content insufficient via HTTP, escalating to browser", "url", pc.URL)
			p, err = m.openBrowserPage(ctx, pc, binds)
		default:
			p, err = m.applyStatic(ctx, pc, binds, res)
		}
	default:
		p, err = m.openBrowserPage(ctx, pc, binds)
	}
	if err != nil {
		return err
	}

	p.source = source
	m.mu.Lock()
	m.pages[pc.ID] = p
	m.mu.Unlock()
	m.logger.Info("pagemend: page applied", "id", pc.ID, "url", pc.URL, "mode", p.mode, "rules", len(binds))
	return nil
}

// applyStatic fetches the page (unless res is given), mends it in memory
// and emits the snapshot.
func (m *Mender) applyStatic(ctx context.Context, pc config.PageConfig, binds []binding, res *fetcher.Result) (*livePage, error) {
	if res == nil {
		var err error
		if res, err = m.fetch.Fetch(ctx, pc.URL); err != nil {
			return nil, err
		}
	}
	out, err := m.mendStatic(ctx, res, pc.ID, binds, m.sinkR)
	if err != nil {
		return nil, err
	}

	html := []byte(out.html)
	snap := report.Snapshot{
		ID:         report.NewID(),
		PageID:     pc.ID,
		PageURL:    res.URL,
		Generation: out.generation,
		HTML:       html,
		HTMLHash:   report.HashHTML(html),
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := m.sinkR.SendSnapshot(ctx, snap); err != nil {
		m.logger.Error("pagemend: send snapshot failed", "id", pc.ID, "error", err)
	}

	return &livePage{
		cfg:   pc,
		binds: binds,
		mode:  config.ModeHTTP,
		since: time.Now(),
		final: out.stats,
	}, nil
}

// openBrowserPage opens a tab and starts one live coordinator per rule.
func (m *Mender) openBrowserPage(ctx context.Context, pc config.PageConfig, binds []binding) (*livePage, error) {
	if err := m.ensureBrowser(); err != nil {
		return nil, err
	}
	tab, err := browser.OpenTab(ctx, m.mgr, pc.URL, pc.ID)
	if err != nil {
		return nil, fmt.Errorf("pagemend: open tab: %w", err)
	}
	doc, err := tab.Document(m.ctx, browser.DocumentConfig{
		Window:   m.cfg.Browser.Window,
		MaxDelay: m.cfg.Browser.MaxDelay,
		Logger:   m.logger,
	})
	if err != nil {
		tab.Close()
		return nil, err
	}

	p := &livePage{
		cfg:   pc,
		binds: binds,
		mode:  config.ModeBrowser,
		since: time.Now(),
		tab:   tab,
		doc:   doc,
	}
	rep := &pageReporter{m: m, page: p}
	for _, b := range binds {
		c, err := m.newCoordinator(b, doc, pc.ID, rep, runLive)
		if err == nil {
			err = c.Start(m.ctx)
		}
		if err != nil {
			p.stop()
			return nil, fmt.Errorf("pagemend: page %s: rule %s: %w", pc.ID, b.rule.Name(), err)
		}
		p.coords = append(p.coords, c)
	}
	return p, nil
}

// pageReporter forwards events to the sinks and snapshots the tab after
// every applied generation when the page asks for it.
type pageReporter struct {
	m    *Mender
	page *livePage
}

func (r *pageReporter) Report(ctx context.Context, ev report.Event) {
	r.m.sinkR.Report(ctx, ev)
	if ev.Kind != report.KindApplied || !r.page.cfg.Snapshot || r.page.tab == nil {
		return
	}
	r.page.snaps.Add(1)
	go func() {
		defer r.page.snaps.Done()
		r.m.snapshotTab(r.page, ev.Generation)
	}()
}

func (m *Mender) snapshotTab(p *livePage, gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
	defer cancel()

	html, err := p.tab.GetFullDOM(ctx)
	if err != nil {
		m.logger.Warn("pagemend: snapshot failed", "id", p.cfg.ID, "error", err)
		return
	}
	snap := report.Snapshot{
		ID:         report.NewID(),
		PageID:     p.cfg.ID,
		PageURL:    p.doc.URL(),
		Generation: gen,
		HTML:       html,
		HTMLHash:   report.HashHTML(html),
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := m.sinkR.SendSnapshot(ctx, snap); err != nil {
		m.logger.Error("pagemend: send snapshot failed", "id", p.cfg.ID, "error", err)
	}
}

// syncPages reconciles the stored pages with the running ones: stored
// pages gone from the table stop, new or changed ones are (re)applied.
func (m *Mender) syncPages(ctx context.Context, pages []config.PageConfig) error {
	want := make(map[string]config.PageConfig, len(pages))
	for _, p := range pages {
		want[p.ID] = p
	}

	m.mu.Lock()
	var gone []string
	running := make(map[string][]byte)
	for id, p := range m.pages {
		if p.source != sourceDB {
			continue
		}
		if _, ok := want[id]; !ok {
			gone = append(gone, id)
		}
		running[id], _ = json.Marshal(p.cfg)
	}
	m.mu.Unlock()

	for _, id := range gone {
		m.opMu.Lock()
		m.stopPageLocked(id)
		m.opMu.Unlock()
	}
	for _, p := range pages {
		if cur, ok := running[p.ID]; ok {
			if next, _ := json.Marshal(p); string(cur) == string(next) {
				continue
			}
		}
		if err := m.applyPage(ctx, p, sourceDB); err != nil {
			m.logger.Error("pagemend: failed to apply stored page", "id", p.ID, "error", err)
		}
	}
	return nil
}
