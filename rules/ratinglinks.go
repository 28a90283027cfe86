package rules

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/watchtx"
)

// Rating links defaults: article numbers on ricardo.ch seller ratings
// become links to the listing.
var DefaultRatingMatch = []string{"https://www.ricardo.ch/*/shop/*/ratings*"}

const (
	ratingParagraphs  = "p"
	ratingLinkPattern = "/{lang}/a/{id}/"
)

type ratingLinks struct {
	base
	extract  *ArticleExtractor
	locales  []string
	template string
	styles   [][2]string
}

func newRatingLinks(s Spec) (Rule, error) {
	b, err := newBase(s, DefaultRatingMatch, "body", ratingParagraphs)
	if err != nil {
		return nil, err
	}

	labels := s.Labels
	if len(labels) == 0 {
		labels = DefaultArticleLabels
	}
	x, err := NewArticleExtractor(labels)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", s.Name, err)
	}

	locales := s.Locales
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	tmpl := s.LinkTemplate
	if tmpl == "" {
		tmpl = ratingLinkPattern
	}
	if !strings.Contains(tmpl, "{id}") {
		return nil, fmt.Errorf("rules: %s: link template %q lacks {id}", s.Name, tmpl)
	}

	// Sorted so the style attribute is stable across runs.
	props := make([]string, 0, len(s.ParagraphStyle))
	for p := range s.ParagraphStyle {
		props = append(props, p)
	}
	sort.Strings(props)
	styles := make([][2]string, 0, len(props))
	for _, p := range props {
		styles = append(styles, [2]string{p, s.ParagraphStyle[p]})
	}

	return &ratingLinks{
		base:     b,
		extract:  x,
		locales:  locales,
		template: tmpl,
		styles:   styles,
	}, nil
}

func (r *ratingLinks) Locate(ctx context.Context, doc dom.Document) ([]dom.Element, error) {
	candidates, err := r.unmarked(ctx, doc)
	if err != nil {
		return nil, err
	}
	var out []dom.Element
	for _, el := range candidates {
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		if r.extract.Match(text) {
			out = append(out, el)
		}
	}
	return out, nil
}

func (r *ratingLinks) Apply(ctx context.Context, doc dom.Document, p dom.Element) error {
	if done, err := r.marked(ctx, p); err != nil || done {
		if err != nil {
			return err
		}
		return watchtx.ErrUnchanged
	}
	text, err := p.Text(ctx)
	if err != nil {
		return err
	}
	ref, ok := r.extract.Extract(text)
	if !ok {
		// Re-rendered between locate and apply.
		return watchtx.ErrUnchanged
	}
	if err := r.mark(ctx, p); err != nil {
		return err
	}

	lang, ok := LocaleFromURL(doc.URL(), r.locales)
	if !ok {
		return fmt.Errorf("%w: no locale in %s", ErrMalformed, doc.URL())
	}

	if err := p.SetText(ctx, text[:ref.Start]+text[ref.End:]); err != nil {
		return err
	}
	href := r.link(lang, ref.ID)
	anchor := fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(ref.ID))
	if err := p.InsertHTML(ctx, dom.BeforeEnd, anchor); err != nil {
		return err
	}
	for _, st := range r.styles {
		if err := p.SetStyle(ctx, st[0], st[1]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ratingLinks) link(lang, id string) string {
	return strings.NewReplacer("{lang}", lang, "{id}", id).Replace(r.template)
}
