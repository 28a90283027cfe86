package watchtx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/dom/memdom"
)

func markItems(doc *memdom.Document) (Locator, Transformer) {
	locate := func(ctx context.Context) ([]dom.Element, error) {
		return doc.QueryAll(ctx, "#results li:not([data-done])")
	}
	transform := Each(func(ctx context.Context, el dom.Element) error {
		return el.SetAttr(ctx, "data-done", "1")
	})
	return locate, transform
}

func settle(t *testing.T, doc *memdom.Document) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := doc.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func TestCoordinator_LiveDocument(t *testing.T) {
	doc, err := memdom.ParseString(`<html><body><ul id="results"></ul></body></html>`, "https://example.test/")
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()

	locate, transform := markItems(doc)
	c, err := New(Config{
		Name:      "live",
		Document:  doc,
		Root:      "#results",
		Locate:    locate,
		Transform: transform,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateWaiting {
		t.Fatalf("state: got %s, want waiting", c.State())
	}

	if err := doc.AppendHTML(ctx, "#results", `<li>one</li><li>two</li>`); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if c.State() != StateReady || c.Generation() != 1 {
		t.Fatalf("after first content: state=%s generation=%d", c.State(), c.Generation())
	}

	if err := doc.ReplaceChildren(ctx, "#results", `<li>three</li><li>four</li><li>five</li>`); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if c.Generation() != 2 {
		t.Fatalf("generation after replacement: got %d, want 2", c.Generation())
	}

	out, err := doc.Render()
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out, `data-done="1"`); n != 3 {
		t.Errorf("marked items: got %d, want 3 in %s", n, out)
	}
	if st := c.Stats(); st.Applied != 5 {
		t.Errorf("applied: got %d, want 5", st.Applied)
	}
}

func TestCoordinator_LiveDocumentPresentAtInstall(t *testing.T) {
	doc, err := memdom.ParseString(`<ul id="results"><li>a</li><li>b</li><li>c</li></ul>`, "https://example.test/")
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()

	locate, transform := markItems(doc)
	calls := 0
	c, err := New(Config{
		Name:     "present",
		Document: doc,
		Root:     "#results",
		Locate:   locate,
		Transform: func(ctx context.Context, targets []dom.Element) Outcome {
			calls++
			return transform(ctx, targets)
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	settle(t, doc)
	if calls != 1 {
		t.Errorf("transform calls: got %d, want 1", calls)
	}
	if c.State() != StateReady {
		t.Errorf("state: got %s, want ready", c.State())
	}
}

// Swapping the root node itself is invisible to a watch bound to it; an
// ancestor root with Subtree still sees the new content.
func TestCoordinator_RootNodeSwapped(t *testing.T) {
	for _, tc := range []struct {
		root    string
		subtree bool
		want    uint64
	}{
		{"#results", false, 1},
		{"body", true, 2},
	} {
		t.Run(tc.root, func(t *testing.T) {
			doc, err := memdom.ParseString(`<html><body><ul id="results"><li>a</li></ul></body></html>`, "https://example.test/")
			if err != nil {
				t.Fatal(err)
			}
			defer doc.Close()

			locate, transform := markItems(doc)
			c, err := New(Config{
				Name:      "swap",
				Document:  doc,
				Root:      tc.root,
				Subtree:   tc.subtree,
				Locate:    locate,
				Transform: transform,
				Logger:    quietLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}
			defer c.Stop()

			ctx := context.Background()
			if err := c.Start(ctx); err != nil {
				t.Fatal(err)
			}
			settle(t, doc)
			if c.Generation() != 1 {
				t.Fatalf("first generation: got %d", c.Generation())
			}

			if _, err := doc.Remove(ctx, "#results"); err != nil {
				t.Fatal(err)
			}
			if err := doc.AppendHTML(ctx, "body", `<ul id="results"><li>b</li></ul>`); err != nil {
				t.Fatal(err)
			}
			settle(t, doc)
			if c.Generation() != tc.want {
				t.Errorf("generation after swap: got %d, want %d", c.Generation(), tc.want)
			}
		})
	}
}
