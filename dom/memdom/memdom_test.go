package memdom

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/pagemend/dom"
)

const page = `<!DOCTYPE html>
<html><body>
<div id="results"><ul class="list"><li>one</li><li>two</li></ul></div>
<p id="note" style="color: red">Art.-Nr. 42</p>
</body></html>`

func newDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := ParseString(page, "https://example.com/de/shop/x/ratings")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	t.Cleanup(doc.Close)
	return doc
}

func settle(t *testing.T, doc *Document) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := doc.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func TestQueryAll(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	items, err := doc.QueryAll(ctx, "#results li")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	text, _ := items[1].Text(ctx)
	if text != "two" {
		t.Errorf("Text: got %q, want %q", text, "two")
	}

	if _, err := doc.QueryAll(ctx, "li[["); err == nil {
		t.Error("invalid selector: expected error")
	}
}

func TestObserve_DirectChildrenOnly(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	var fired atomic.Int32
	if _, err := doc.Observe(ctx, "#results", dom.ObserveOptions{}, func() { fired.Add(1) }); err != nil {
		t.Fatal(err)
	}

	// Grandchild change: ignored without Subtree.
	if err := doc.AppendHTML(ctx, "#results ul", "<li>three</li>"); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired after nested change: got %d, want 0", n)
	}

	if err := doc.AppendHTML(ctx, "#results", "<p>direct</p>"); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired after direct change: got %d, want 1", n)
	}
}

func TestObserve_Subtree(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	var fired atomic.Int32
	if _, err := doc.Observe(ctx, "body", dom.ObserveOptions{Subtree: true}, func() { fired.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := doc.ReplaceChildren(ctx, "#results ul", "<li>fresh</li>"); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired: got %d, want 1", n)
	}
}

func TestObserve_AttributeChangesDoNotFire(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	var fired atomic.Int32
	if _, err := doc.Observe(ctx, "body", dom.ObserveOptions{Subtree: true}, func() { fired.Add(1) }); err != nil {
		t.Fatal(err)
	}
	p, _ := doc.QueryAll(ctx, "#note")
	p[0].SetAttr(ctx, "data-x", "1")
	p[0].SetStyle(ctx, "opacity", "0.25")
	settle(t, doc)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired on attribute change: got %d, want 0", n)
	}
}

func TestObserve_RootNotFound(t *testing.T) {
	doc := newDoc(t)
	_, err := doc.Observe(context.Background(), "#missing", dom.ObserveOptions{}, func() {})
	if !errors.Is(err, dom.ErrRootNotFound) {
		t.Fatalf("Observe: got %v, want ErrRootNotFound", err)
	}
}

func TestDisconnect(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	var fired atomic.Int32
	sub, err := doc.Observe(ctx, "#results", dom.ObserveOptions{Subtree: true}, func() { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	doc.AppendHTML(ctx, "#results", "<p>x</p>")
	settle(t, doc)
	if n := fired.Load(); n != 0 {
		t.Fatalf("fired after disconnect: got %d", n)
	}
}

func TestElement_Mutations(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	els, _ := doc.QueryAll(ctx, "#note")
	p := els[0]

	if err := p.SetText(ctx, "Art.-Nr. "); err != nil {
		t.Fatal(err)
	}
	if err := p.InsertHTML(ctx, dom.BeforeEnd, `<a href="/de/a/42/">42</a>`); err != nil {
		t.Fatal(err)
	}
	if err := p.SetStyle(ctx, "color", "blue"); err != nil {
		t.Fatal(err)
	}
	p.SetStyle(ctx, "margin", "0")

	out, err := doc.Render()
	if err != nil {
		t.Fatal(err)
	}
	want := `<p id="note" style="color: blue; margin: 0;">Art.-Nr. <a href="/de/a/42/">42</a></p>`
	if !strings.Contains(out, want) {
		t.Fatalf("Render: missing %s in\n%s", want, out)
	}

	if style, ok, _ := p.Attr(ctx, "style"); !ok || style != "color: blue; margin: 0;" {
		t.Errorf("style attr: got %q (present=%v)", style, ok)
	}
}

func TestElement_InsertAfterBeginKeepsOrder(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	els, _ := doc.QueryAll(ctx, "#results ul")
	if err := els[0].InsertHTML(ctx, dom.AfterBegin, "<li>a</li><li>b</li>"); err != nil {
		t.Fatal(err)
	}
	items, _ := doc.QueryAll(ctx, "#results li")
	var got []string
	for _, it := range items {
		s, _ := it.Text(ctx)
		got = append(got, s)
	}
	if strings.Join(got, ",") != "a,b,one,two" {
		t.Fatalf("order: got %v", got)
	}
}

func TestElement_DetachedIsHarmless(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	items, _ := doc.QueryAll(ctx, "#results li")
	if n, err := doc.Remove(ctx, "#results li"); err != nil || n != 2 {
		t.Fatalf("Remove: got %d, %v", n, err)
	}
	if items[0].Attached(ctx) {
		t.Fatal("removed element still attached")
	}
	if err := items[0].SetText(ctx, "ghost"); err != nil {
		t.Fatalf("SetText on detached: %v", err)
	}
	out, _ := doc.Render()
	if strings.Contains(out, "ghost") {
		t.Fatal("mutation of detached element reached the document")
	}
}

func TestCallbackMutationDeliveredAfterwards(t *testing.T) {
	doc := newDoc(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := doc.Observe(ctx, "body", dom.ObserveOptions{Subtree: true}, func() {
		if calls.Add(1) == 1 {
			// Re-entrant mutation: queued, not delivered inside this call.
			doc.AppendHTML(ctx, "#results", "<p>echo</p>")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	doc.AppendHTML(ctx, "#results", "<p>first</p>")
	settle(t, doc)

	if n := calls.Load(); n != 2 {
		t.Fatalf("calls: got %d, want 2", n)
	}
}
