package fetcher

import (
	"bytes"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// spaShells are markers of pages that render everything client-side.
var spaShells = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte(`<noscript>you need to enable javascript`),
	[]byte(`<noscript>enable javascript`),
}

// IsSufficient reports whether the HTML carries enough server-rendered text
// to be mended without a browser: at least 200 visible characters making up
// at least 10% of the document, and no known SPA shell marker.
func IsSufficient(page []byte) bool {
	if len(page) < 256 {
		return false
	}
	lower := bytes.ToLower(page)
	for _, m := range spaShells {
		if bytes.Contains(lower, m) {
			return false
		}
	}

	text, markup := textMarkupRatio(page)
	if text < 200 {
		return false
	}
	return float64(text)/float64(text+markup) >= 0.10
}

// textMarkupRatio counts visible non-space text bytes against everything
// else. Script and style bodies count as markup.
func textMarkupRatio(page []byte) (text, markup int) {
	z := html.NewTokenizer(bytes.NewReader(page))
	hidden := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return text, markup
		case html.TextToken:
			raw := z.Raw()
			if hidden > 0 {
				markup += len(raw)
				continue
			}
			text += len(bytes.Join(bytes.Fields(raw), nil))
		case html.StartTagToken:
			markup += len(z.Raw())
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Script || a == atom.Style {
				hidden++
			}
		case html.EndTagToken:
			markup += len(z.Raw())
			name, _ := z.TagName()
			if a := atom.Lookup(name); (a == atom.Script || a == atom.Style) && hidden > 0 {
				hidden--
			}
		default:
			markup += len(z.Raw())
		}
	}
}
