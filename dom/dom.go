// Package dom defines the document surface pagemend works against: a live,
// externally mutated tree that can be queried, observed for child-list
// changes and mutated in place.
//
// Two implementations exist: memdom (an in-memory HTML tree, used for static
// pages and tests) and the rod-backed document in pagemend/internal/browser.
// Element handles are never cached across cycles; the host page may replace
// any node between a query and the mutation that follows it.
package dom

import (
	"context"
	"errors"
)

// ErrRootNotFound is returned by Observe when the root selector matches
// nothing at installation time.
var ErrRootNotFound = errors.New("dom: observation root not found")

// Position is an insertAdjacentHTML position.
type Position string

const (
	BeforeBegin Position = "beforebegin"
	AfterBegin  Position = "afterbegin"
	BeforeEnd   Position = "beforeend"
	AfterEnd    Position = "afterend"
)

// Element is a handle on a live node. Mutating a detached element is a
// harmless no-op.
type Element interface {
	// Attached reports whether the node is still connected to its document.
	Attached(ctx context.Context) bool
	Text(ctx context.Context) (string, error)
	// Attr returns the attribute value and whether it is present.
	Attr(ctx context.Context, name string) (string, bool, error)
	SetAttr(ctx context.Context, name, value string) error
	// SetText replaces every child of the element with a single text node.
	SetText(ctx context.Context, text string) error
	SetStyle(ctx context.Context, property, value string) error
	InsertHTML(ctx context.Context, pos Position, fragment string) error
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// ObserveOptions is the structural-change filter of a subscription. Only
// child-list changes are observed.
type ObserveOptions struct {
	// Subtree includes changes anywhere below the root, not only its
	// direct children.
	Subtree bool
}

// Subscription is a registered reaction to structural change.
type Subscription interface {
	// Disconnect stops delivery. Safe to call more than once.
	Disconnect() error
}

// Document is a live document.
type Document interface {
	// URL is the address of the page the document was loaded from.
	URL() string
	// QueryAll runs a fresh query against the live tree.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
	// Observe calls fn after child-list changes under the first node
	// matching root. Calls for one document never overlap.
	Observe(ctx context.Context, root string, opts ObserveOptions, fn func()) (Subscription, error)
}

// First returns the first element matching selector under el, or nil.
func First(ctx context.Context, el Element, selector string) (Element, error) {
	found, err := el.QueryAll(ctx, selector)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}
