package browser

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/pagemend/dom"
)

//go:embed observe.js
var observeJS string

const bindingName = "__pagemend_notify"

// DocumentConfig tunes notification delivery for a Document.
type DocumentConfig struct {
	// Window is the quiet period before a subscription fires. Default: 100ms.
	Window time.Duration
	// MaxDelay bounds the wait under continuous mutation. Default: 1s.
	MaxDelay time.Duration
	Logger   *slog.Logger
}

// Document is a dom.Document over a live rod page. Subscriptions are
// MutationObservers installed by observe.js; their binding calls are
// routed into a dom.Dispatcher so callbacks for one page never overlap.
type Document struct {
	page   *rod.Page
	logger *slog.Logger
	disp   *dom.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	url    string
	subs   map[string]*subscription
	seq    int
	remove func() error
}

// NewDocument prepares page for observation. The page should already be
// navigated; subscriptions survive later full navigations.
func NewDocument(ctx context.Context, page *rod.Page, pageURL string, cfg DocumentConfig) (*Document, error) {
	if cfg.Window <= 0 {
		cfg.Window = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Document{
		page:   page,
		logger: cfg.Logger,
		disp:   dom.NewDispatcher(dom.DispatchConfig{Window: cfg.Window, MaxDelay: cfg.MaxDelay}),
		ctx:    dctx,
		cancel: cancel,
		url:    pageURL,
		subs:   make(map[string]*subscription),
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		d.logger.Warn("browser: addBinding failed (may already exist)", "error", err)
	}
	remove, err := page.EvalOnNewDocument(observeJS)
	if err != nil {
		d.logger.Warn("browser: register observe.js for new documents", "error", err)
	} else {
		d.remove = remove
	}
	if _, err := page.Context(dctx).Eval("() => {" + observeJS + "}"); err != nil {
		d.Close()
		return nil, fmt.Errorf("browser: inject observe.js: %w", err)
	}

	go d.listen()
	return d, nil
}

// URL implements dom.Document. It follows full navigations.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// QueryAll implements dom.Document.
func (d *Document) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	return wrap(els), nil
}

// Observe implements dom.Document.
func (d *Document) Observe(ctx context.Context, root string, opts dom.ObserveOptions, fn func()) (dom.Subscription, error) {
	d.mu.Lock()
	d.seq++
	id := fmt.Sprintf("s%d", d.seq)
	d.mu.Unlock()

	found, err := d.install(ctx, id, root, opts.Subtree)
	if err != nil {
		return nil, fmt.Errorf("browser: observe %q: %w", root, err)
	}
	if !found {
		return nil, fmt.Errorf("browser: observe %q: %w", root, dom.ErrRootNotFound)
	}

	sub := &subscription{doc: d, id: id, root: root, subtree: opts.Subtree, fn: fn, active: true}
	d.mu.Lock()
	d.subs[id] = sub
	d.mu.Unlock()
	return sub, nil
}

// Settle waits until every queued notification has been delivered.
func (d *Document) Settle(ctx context.Context) error {
	return d.disp.Settle(ctx)
}

// Close stops delivery and detaches from the page. The tab stays open.
func (d *Document) Close() {
	d.cancel()
	d.disp.Close()
	d.mu.Lock()
	remove := d.remove
	d.remove = nil
	d.subs = make(map[string]*subscription)
	d.mu.Unlock()
	if remove != nil {
		if err := remove(); err != nil {
			d.logger.Debug("browser: remove observe.js", "error", err)
		}
	}
}

func (d *Document) install(ctx context.Context, id, root string, subtree bool) (bool, error) {
	res, err := d.page.Context(ctx).Eval(
		`(id, root, subtree) => window.__pagemend ? window.__pagemend.observe(id, root, subtree) : false`,
		id, root, subtree)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// listen receives binding calls and load events until the document closes.
func (d *Document) listen() {
	d.page.Context(d.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			d.mu.Lock()
			sub := d.subs[e.Payload]
			d.mu.Unlock()
			if sub != nil {
				d.disp.Notify(sub.id, sub.deliver)
			}
		},
		func(e *proto.PageLoadEventFired) {
			go d.reinstall()
		},
	)()
}

// reinstall restores every subscription after a full navigation dropped
// the page's observers, then notifies them: the content was replaced.
func (d *Document) reinstall() {
	if d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	if info, err := d.page.Context(ctx).Info(); err == nil && info.URL != "" {
		d.mu.Lock()
		d.url = info.URL
		d.mu.Unlock()
	}
	if _, err := d.page.Context(ctx).Eval("() => {" + observeJS + "}"); err != nil {
		d.logger.Warn("browser: re-inject observe.js", "error", err)
		return
	}

	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		found, err := d.install(ctx, s.id, s.root, s.subtree)
		switch {
		case err != nil:
			d.logger.Warn("browser: reinstall observer", "root", s.root, "error", err)
		case !found:
			d.logger.Warn("browser: observation root gone after navigation", "root", s.root)
		}
		d.disp.Notify(s.id, s.deliver)
	}
	d.logger.Info("browser: document reloaded", "url", d.URL(), "subscriptions", len(subs))
}

type subscription struct {
	doc     *Document
	id      string
	root    string
	subtree bool
	fn      func()
	active  bool // guarded by doc.mu
}

func (s *subscription) deliver() {
	s.doc.mu.Lock()
	active := s.active
	s.doc.mu.Unlock()
	if active {
		s.fn()
	}
}

// Disconnect implements dom.Subscription.
func (s *subscription) Disconnect() error {
	d := s.doc
	d.mu.Lock()
	if !s.active {
		d.mu.Unlock()
		return nil
	}
	s.active = false
	delete(d.subs, s.id)
	d.mu.Unlock()

	if d.ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	_, err := d.page.Context(ctx).Eval(
		`(id) => window.__pagemend ? window.__pagemend.disconnect(id) : true`, s.id)
	if err != nil {
		return fmt.Errorf("browser: disconnect %s: %w", s.id, err)
	}
	return nil
}
