package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/watchtx"
)

// Bookstores defaults: bookfinder.com result rows sold by Amazon-owned
// stores are faded and annotated.
var (
	DefaultBookstoreMatch = []string{"https://www.bookfinder.com/search/*"}
	DefaultOwnedStores    = []string{"AbeBooks", "Amazon.*", "Book Depository", "ZVAB"}
)

const (
	bookstoreRows    = "tr.results-table-first-LogoRow, tr.results-table-LogoRow"
	bookstoreOpacity = 0.25
	bookstoreNote    = `<span style="font-weight: bold;">` +
		`<span style="font-size: 1.25em;">⚠️🍆 </span>` +
		`<span>Amazon-owned business</span>` +
		`<span style="font-size: 1.25em;"> 🍆⚠️</span>` +
		`</span><br>`
)

type bookstores struct {
	base
	owned   *regexp.Regexp
	opacity string
	note    string
}

func newBookstores(s Spec) (Rule, error) {
	b, err := newBase(s, DefaultBookstoreMatch, "body", bookstoreRows)
	if err != nil {
		return nil, err
	}

	stores := s.Stores
	if len(stores) == 0 {
		stores = DefaultOwnedStores
	}
	owned, err := regexp.Compile(strings.Join(stores, "|"))
	if err != nil {
		return nil, fmt.Errorf("rules: %s: stores: %w", s.Name, err)
	}

	opacity := s.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = bookstoreOpacity
	}

	note := bookstoreNote
	if s.NoteHTML != "" {
		note = notePolicy().Sanitize(s.NoteHTML)
	}

	return &bookstores{
		base:    b,
		owned:   owned,
		opacity: strconv.FormatFloat(opacity, 'f', -1, 64),
		note:    note,
	}, nil
}

// notePolicy allows the inline markup a warning note needs and nothing
// that could run script on the host page.
func notePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("span", "br", "strong", "em")
	p.AllowStyles("font-weight", "font-size", "color").Globally()
	return p
}

func (r *bookstores) Locate(ctx context.Context, doc dom.Document) ([]dom.Element, error) {
	return r.unmarked(ctx, doc)
}

func (r *bookstores) Apply(ctx context.Context, _ dom.Document, row dom.Element) error {
	if done, err := r.marked(ctx, row); err != nil || done {
		if err != nil {
			return err
		}
		return watchtx.ErrUnchanged
	}
	// Marked up front so a malformed row is reported once, not on every
	// re-render.
	if err := r.mark(ctx, row); err != nil {
		return err
	}

	store, err := r.storeName(ctx, row)
	if err != nil {
		return err
	}
	if !r.owned.MatchString(store) {
		return watchtx.ErrUnchanged
	}

	if err := row.SetStyle(ctx, "opacity", r.opacity); err != nil {
		return err
	}
	note, err := dom.First(ctx, row, ".item-note")
	if err != nil {
		return err
	}
	if note == nil {
		return fmt.Errorf("%w: %s row has no .item-note", ErrMalformed, store)
	}
	return note.InsertHTML(ctx, dom.AfterBegin, r.note)
}

// storeName is the alt text of the row's store logo.
func (r *bookstores) storeName(ctx context.Context, row dom.Element) (string, error) {
	img, err := dom.First(ctx, row, "img")
	if err != nil {
		return "", err
	}
	if img == nil {
		return "", fmt.Errorf("%w: result row without store logo", ErrMalformed)
	}
	alt, ok, err := img.Attr(ctx, "alt")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: store logo without alt text", ErrMalformed)
	}
	return alt, nil
}
