package rules

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// DefaultArticleLabels are the labels ricardo.ch prints before an article
// number, per locale. "NÂ° d'article" is the French label as it reads when
// the page's UTF-8 is decoded as Latin-1.
var DefaultArticleLabels = []string{
	"N° d'article",
	"N° d’article",
	"NÂ° d'article",
	"Art.-Nr.",
	"No.-art.",
}

// DefaultLocales are the locale path prefixes ricardo.ch serves.
var DefaultLocales = []string{"fr", "de", "it", "en"}

// ArticleRef is an article number found in a text.
type ArticleRef struct {
	Label string
	ID    string
	// Start and End delimit ID in the text, in bytes.
	Start, End int
}

// ArticleExtractor finds the article number following one of its labels.
type ArticleExtractor struct {
	re *regexp.Regexp
}

// NewArticleExtractor builds an extractor over the given labels, matched
// literally. A label is followed by whitespace then digits.
func NewArticleExtractor(labels []string) (*ArticleExtractor, error) {
	if len(labels) == 0 {
		return nil, errors.New("rules: article extractor needs at least one label")
	}
	quoted := make([]string, len(labels))
	for i, l := range labels {
		quoted[i] = regexp.QuoteMeta(l)
	}
	re, err := regexp.Compile(`(` + strings.Join(quoted, "|") + `)[\s\x{00A0}]+([0-9]+)`)
	if err != nil {
		return nil, err
	}
	return &ArticleExtractor{re: re}, nil
}

// Extract returns the first labelled article number in text.
func (x *ArticleExtractor) Extract(text string) (ArticleRef, bool) {
	m := x.re.FindStringSubmatchIndex(text)
	if m == nil {
		return ArticleRef{}, false
	}
	return ArticleRef{
		Label: text[m[2]:m[3]],
		ID:    text[m[4]:m[5]],
		Start: m[4],
		End:   m[5],
	}, true
}

// Match reports whether text carries a labelled article number.
func (x *ArticleExtractor) Match(text string) bool {
	return x.re.MatchString(text)
}

// LocaleFromURL returns the locale in the first path segment of rawURL
// when it is one of allowed.
func LocaleFromURL(rawURL string, allowed []string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	seg := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	seg = strings.ToLower(seg)
	for _, l := range allowed {
		if seg == l {
			return l, true
		}
	}
	return "", false
}
