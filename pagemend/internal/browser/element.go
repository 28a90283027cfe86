package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/pagemend/dom"
)

// element is a dom.Element over a rod remote object. Scripts run with
// this bound to the node, so a detached node is mutated harmlessly.
type element struct {
	el *rod.Element
}

func wrap(els rod.Elements) []dom.Element {
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, &element{el: el})
	}
	return out
}

func (e *element) Attached(ctx context.Context) bool {
	res, err := e.el.Context(ctx).Eval(`() => this.isConnected`)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (e *element) Text(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.textContent || ""`)
	if err != nil {
		return "", fmt.Errorf("browser: text: %w", err)
	}
	return res.Value.Str(), nil
}

func (e *element) Attr(ctx context.Context, name string) (string, bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("browser: attr %s: %w", name, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *element) SetAttr(ctx context.Context, name, value string) error {
	return e.run(ctx, "set attr", `(n, v) => this.setAttribute(n, v)`, name, value)
}

func (e *element) SetText(ctx context.Context, text string) error {
	return e.run(ctx, "set text", `(t) => { this.textContent = t }`, text)
}

func (e *element) SetStyle(ctx context.Context, property, value string) error {
	return e.run(ctx, "set style", `(p, v) => this.style.setProperty(p, v)`, property, value)
}

func (e *element) InsertHTML(ctx context.Context, pos dom.Position, fragment string) error {
	return e.run(ctx, "insert html", `(pos, html) => this.insertAdjacentHTML(pos, html)`, string(pos), fragment)
}

func (e *element) QueryAll(ctx context.Context, selector string) ([]dom.Element, error) {
	els, err := e.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	return wrap(els), nil
}

func (e *element) run(ctx context.Context, op, js string, params ...interface{}) error {
	if _, err := e.el.Context(ctx).Eval(js, params...); err != nil {
		return fmt.Errorf("browser: %s: %w", op, err)
	}
	return nil
}
