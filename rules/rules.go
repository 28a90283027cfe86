// Package rules holds the site glue: which pages a rule applies to, how it
// finds its targets and what it does to each of them.
//
// Every rule adds its name to the space-separated data-pagemend attribute of
// the elements it has processed, and its locator excludes elements carrying
// its own name, so transforms stay idempotent no matter how often a page
// re-renders while rules sharing an element do not block each other.
package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/watchtx"
)

// MarkerAttr is set on every element a rule has processed.
const MarkerAttr = "data-pagemend"

// ErrMalformed reports a matched element lacking the structure the rule
// expects. The element is skipped; the rest of the batch continues.
var ErrMalformed = errors.New("rules: malformed element")

// Rule is one site-specific transform.
type Rule interface {
	Name() string
	// Matches reports whether the rule applies to the page at url.
	Matches(url string) bool
	// Root is the selector of the subtree whose changes trigger the rule.
	Root() string
	Subtree() bool
	// Locate returns the unprocessed targets currently in doc.
	Locate(ctx context.Context, doc dom.Document) ([]dom.Element, error)
	// Apply transforms one target. It returns watchtx.ErrUnchanged when
	// there was nothing to do and an ErrMalformed wrap for broken markup.
	Apply(ctx context.Context, doc dom.Document, el dom.Element) error
}

// Spec configures a rule. Zero fields take the rule's defaults.
type Spec struct {
	Name string `yaml:"name" json:"name"`
	// Kind selects the implementation. Defaults to Name.
	Kind    string   `yaml:"kind" json:"kind,omitempty"`
	Match   []string `yaml:"match" json:"match,omitempty"`
	Root    string   `yaml:"root" json:"root,omitempty"`
	Subtree *bool    `yaml:"subtree" json:"subtree,omitempty"`
	// Select overrides the target selector.
	Select string `yaml:"select" json:"select,omitempty"`

	// bookstores
	Stores   []string `yaml:"stores" json:"stores,omitempty"`
	Opacity  float64  `yaml:"opacity" json:"opacity,omitempty"`
	NoteHTML string   `yaml:"note_html" json:"note_html,omitempty"`

	// ratinglinks
	Labels         []string          `yaml:"labels" json:"labels,omitempty"`
	Locales        []string          `yaml:"locales" json:"locales,omitempty"`
	LinkTemplate   string            `yaml:"link_template" json:"link_template,omitempty"`
	ParagraphStyle map[string]string `yaml:"paragraph_style" json:"paragraph_style,omitempty"`
}

type factory func(Spec) (Rule, error)

var builtin = map[string]factory{
	"bookstores":  newBookstores,
	"ratinglinks": newRatingLinks,
}

// Names lists the built-in rule kinds.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates a rule from its spec.
func Build(s Spec) (Rule, error) {
	kind := s.Kind
	if kind == "" {
		kind = s.Name
	}
	f, ok := builtin[kind]
	if !ok {
		return nil, fmt.Errorf("rules: unknown rule %q (known: %s)", kind, strings.Join(Names(), ", "))
	}
	if s.Name == "" {
		s.Name = kind
	}
	return f(s)
}

// Defaults builds every built-in rule with its default spec.
func Defaults() []Rule {
	var out []Rule
	for _, n := range Names() {
		r, err := Build(Spec{Name: n})
		if err != nil {
			// Built-in defaults always compile.
			panic(err)
		}
		out = append(out, r)
	}
	return out
}

// ForURL returns the built-in rules whose match patterns cover url.
func ForURL(url string) []Rule {
	var out []Rule
	for _, r := range Defaults() {
		if r.Matches(url) {
			out = append(out, r)
		}
	}
	return out
}

// Select filters rules by name; empty names keeps all of them.
func Select(all []Rule, names []string) ([]Rule, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Rule, len(all))
	for _, r := range all {
		byName[r.Name()] = r
	}
	var out []Rule
	for _, n := range names {
		r, ok := byName[n]
		if !ok {
			built, err := Build(Spec{Name: n})
			if err != nil {
				return nil, err
			}
			r = built
		}
		out = append(out, r)
	}
	return out, nil
}

// Bind adapts a rule to the coordinator's locate/transform pair for doc.
func Bind(r Rule, doc dom.Document) (watchtx.Locator, watchtx.Transformer) {
	locate := func(ctx context.Context) ([]dom.Element, error) {
		return r.Locate(ctx, doc)
	}
	transform := watchtx.Each(func(ctx context.Context, el dom.Element) error {
		return r.Apply(ctx, doc, el)
	})
	return locate, transform
}

// base carries what every rule shares.
type base struct {
	name     string
	match    []*regexp.Regexp
	root     string
	subtree  bool
	selector string
	query    string
}

func newBase(s Spec, match []string, root, selector string) (base, error) {
	if len(s.Match) > 0 {
		match = s.Match
	}
	b := base{
		name:     s.Name,
		root:     root,
		subtree:  true,
		selector: selector,
	}
	if s.Root != "" {
		b.root = s.Root
	}
	if s.Subtree != nil {
		b.subtree = *s.Subtree
	}
	if s.Select != "" {
		b.selector = s.Select
	}
	for _, m := range match {
		re, err := compileGlob(m)
		if err != nil {
			return base{}, fmt.Errorf("rules: %s: match %q: %w", s.Name, m, err)
		}
		b.match = append(b.match, re)
	}
	b.query = excludeMarked(b.selector, b.name)
	return b, nil
}

func (b *base) Name() string  { return b.name }
func (b *base) Root() string  { return b.root }
func (b *base) Subtree() bool { return b.subtree }

func (b *base) Matches(url string) bool {
	for _, re := range b.match {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// unmarked returns the targets matching the rule selector that carry no
// marker yet.
func (b *base) unmarked(ctx context.Context, doc dom.Document) ([]dom.Element, error) {
	return doc.QueryAll(ctx, b.query)
}

func (b *base) mark(ctx context.Context, el dom.Element) error {
	v, ok, err := el.Attr(ctx, MarkerAttr)
	if err != nil {
		return err
	}
	if ok && hasToken(v, b.name) {
		return nil
	}
	if ok && strings.TrimSpace(v) != "" {
		v += " " + b.name
	} else {
		v = b.name
	}
	return el.SetAttr(ctx, MarkerAttr, v)
}

func (b *base) marked(ctx context.Context, el dom.Element) (bool, error) {
	v, ok, err := el.Attr(ctx, MarkerAttr)
	return ok && hasToken(v, b.name), err
}

func hasToken(list, tok string) bool {
	for _, f := range strings.Fields(list) {
		if f == tok {
			return true
		}
	}
	return false
}

// excludeMarked appends the exclusion of elements already marked by rule
// to every selector of a group.
func excludeMarked(selector, rule string) string {
	not := ":not([" + MarkerAttr + "~=" + quoteSelector(rule) + "])"
	parts := splitGroup(selector)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p) + not
	}
	return strings.Join(parts, ", ")
}

// splitGroup splits a selector group on its top-level commas, leaving
// commas inside parentheses, brackets and strings alone.
func splitGroup(selector string) []string {
	var parts []string
	depth, start := 0, 0
	var quote rune
	escaped := false
	for i, c := range selector {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			if depth > 0 {
				depth--
			}
		case c == ',' && depth == 0:
			parts = append(parts, selector[start:i])
			start = i + 1
		}
	}
	return append(parts, selector[start:])
}

func quoteSelector(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// compileGlob turns a URL match pattern into an anchored regexp.
// Only * is special and matches any run of characters.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
