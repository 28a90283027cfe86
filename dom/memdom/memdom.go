// Package memdom is an in-memory dom.Document over golang.org/x/net/html.
//
// It backs the HTTP-only mending path and the tests. Child-list mutations
// notify observers the way a browser MutationObserver would: the mutated
// parent's direct observers, plus every subtree observer above it.
// Notifications go through a dom.Dispatcher, so mutations made by a
// callback are delivered after that callback returns.
package memdom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagemend/dom"
)

// Document is a mutable HTML tree with child-list observation.
type Document struct {
	url  string
	disp *dom.Dispatcher

	mu   sync.Mutex
	root *html.Node
	subs []*subscription
	seq  int
}

// Option configures a Document.
type Option func(*dom.DispatchConfig)

// WithWindow delays notifications until the tree has been quiet for w.
func WithWindow(w time.Duration) Option {
	return func(c *dom.DispatchConfig) { c.Window = w }
}

// Parse reads an HTML document.
func Parse(r io.Reader, pageURL string, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse: %w", err)
	}
	var cfg dom.DispatchConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Document{
		url:  pageURL,
		root: root,
		disp: dom.NewDispatcher(cfg),
	}, nil
}

// ParseString is Parse over a string.
func ParseString(s, pageURL string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), pageURL, opts...)
}

// URL implements dom.Document.
func (d *Document) URL() string { return d.url }

// QueryAll implements dom.Document.
func (d *Document) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryLocked(d.root, selector)
}

// Observe implements dom.Document.
func (d *Document) Observe(_ context.Context, root string, opts dom.ObserveOptions, fn func()) (dom.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, err := d.firstLocked(d.root, root)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("memdom: observe %q: %w", root, dom.ErrRootNotFound)
	}

	d.seq++
	sub := &subscription{
		id:      fmt.Sprintf("sub-%d", d.seq),
		doc:     d,
		target:  target,
		subtree: opts.Subtree,
		fn:      fn,
		active:  true,
	}
	d.subs = append(d.subs, sub)
	return sub, nil
}

// ReplaceChildren replaces the children of the first node matching
// selector with the parsed fragment.
func (d *Document) ReplaceChildren(ctx context.Context, selector, fragment string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.firstLocked(d.root, selector)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("memdom: replace %q: no match", selector)
	}
	nodes, err := parseFragment(fragment, n)
	if err != nil {
		return err
	}
	removeChildren(n)
	for _, c := range nodes {
		n.AppendChild(c)
	}
	d.notifyLocked(n)
	return nil
}

// AppendHTML appends the parsed fragment to the first node matching selector.
func (d *Document) AppendHTML(ctx context.Context, selector, fragment string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.firstLocked(d.root, selector)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("memdom: append %q: no match", selector)
	}
	return d.insertLocked(n, dom.BeforeEnd, fragment)
}

// Remove detaches every node matching selector and returns how many were
// removed.
func (d *Document) Remove(ctx context.Context, selector string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := cascadia.Compile(selector)
	if err != nil {
		return 0, fmt.Errorf("memdom: selector %q: %w", selector, err)
	}
	nodes := goquery.NewDocumentFromNode(d.root).FindMatcher(m).Nodes
	for _, n := range nodes {
		parent := n.Parent
		if parent == nil {
			continue
		}
		parent.RemoveChild(n)
		d.notifyLocked(parent)
	}
	return len(nodes), nil
}

// Render serialises the current tree.
func (d *Document) Render() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("memdom: render: %w", err)
	}
	return buf.String(), nil
}

// Settle waits until every pending notification has been delivered,
// including the ones caused by callbacks.
func (d *Document) Settle(ctx context.Context) error {
	return d.disp.Settle(ctx)
}

// Close stops notification delivery.
func (d *Document) Close() {
	d.disp.Close()
}

func (d *Document) queryLocked(from *html.Node, selector string) ([]dom.Element, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("memdom: selector %q: %w", selector, err)
	}
	nodes := goquery.NewDocumentFromNode(from).FindMatcher(m).Nodes
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{doc: d, n: n})
	}
	return out, nil
}

func (d *Document) firstLocked(from *html.Node, selector string) (*html.Node, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("memdom: selector %q: %w", selector, err)
	}
	return m.MatchFirst(from), nil
}

func (d *Document) insertLocked(n *html.Node, pos dom.Position, fragment string) error {
	parent := n
	if pos == dom.BeforeBegin || pos == dom.AfterEnd {
		parent = n.Parent
		if parent == nil {
			return nil
		}
	}
	nodes, err := parseFragment(fragment, parent)
	if err != nil {
		return err
	}

	switch pos {
	case dom.AfterBegin:
		ref := n.FirstChild
		for _, c := range nodes {
			n.InsertBefore(c, ref)
		}
	case dom.BeforeEnd:
		for _, c := range nodes {
			n.AppendChild(c)
		}
	case dom.BeforeBegin:
		for _, c := range nodes {
			parent.InsertBefore(c, n)
		}
	case dom.AfterEnd:
		ref := n.NextSibling
		for _, c := range nodes {
			parent.InsertBefore(c, ref)
		}
	default:
		return fmt.Errorf("memdom: unknown position %q", pos)
	}

	d.notifyLocked(parent)
	return nil
}

// notifyLocked queues the observers interested in a child-list change of
// parent.
func (d *Document) notifyLocked(parent *html.Node) {
	for _, s := range d.subs {
		if !s.active {
			continue
		}
		if s.target == parent || (s.subtree && isAncestor(s.target, parent)) {
			d.disp.Notify(s.id, s.deliver)
		}
	}
}

func (d *Document) attachedLocked(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

func isAncestor(anc, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == anc {
			return true
		}
	}
	return false
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func parseFragment(fragment string, parent *html.Node) ([]*html.Node, error) {
	if parent == nil || parent.Type != html.ElementNode {
		parent = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse fragment: %w", err)
	}
	return nodes, nil
}

type subscription struct {
	id      string
	doc     *Document
	target  *html.Node
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
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	subs := s.doc.subs[:0]
	for _, o := range s.doc.subs {
		if o != s {
			subs = append(subs, o)
		}
	}
	s.doc.subs = subs
	return nil
}
