package memdom

import (
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/pagemend/dom"
)

type element struct {
	doc *Document
	n   *html.Node
}

func (e *element) Attached(_ context.Context) bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.attachedLocked(e.n)
}

func (e *element) Text(_ context.Context) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return b.String(), nil
}

func (e *element) Attr(_ context.Context, name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := getAttr(e.n, name)
	return v, ok, nil
}

func (e *element) SetAttr(_ context.Context, name, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	setAttr(e.n, name, value)
	return nil
}

func (e *element) SetText(_ context.Context, text string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	removeChildren(e.n)
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	e.doc.notifyLocked(e.n)
	return nil
}

func (e *element) SetStyle(_ context.Context, property, value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	style, _ := getAttr(e.n, "style")
	setAttr(e.n, "style", setDeclaration(style, property, value))
	return nil
}

func (e *element) InsertHTML(_ context.Context, pos dom.Position, fragment string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.insertLocked(e.n, pos, fragment)
}

func (e *element) QueryAll(_ context.Context, selector string) ([]dom.Element, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.doc.queryLocked(e.n, selector)
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

// setDeclaration sets one property in an inline style attribute, keeping
// the other declarations in order.
func setDeclaration(style, property, value string) string {
	property = strings.ToLower(strings.TrimSpace(property))
	var decls []string
	found := false
	for _, d := range strings.Split(style, ";") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		name, _, _ := strings.Cut(d, ":")
		if strings.ToLower(strings.TrimSpace(name)) == property {
			if found {
				continue
			}
			found = true
			d = property + ": " + value
		}
		decls = append(decls, d)
	}
	if !found {
		decls = append(decls, property+": "+value)
	}
	return strings.Join(decls, "; ") + ";"
}
