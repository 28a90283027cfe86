package config

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
browser:
  remote: ws://127.0.0.1:9222
  recycle_interval: 2h
  resource_blocking: [images, fonts]
  window: 50ms
pages:
  - id: bf
    url: https://www.bookfinder.com/search/?title=dune
    mode: http
    snapshot: true
    rules:
      - name: bookstores
        stores: ["Amazon.*", "AbeBooks"]
        opacity: 0.4
  - url: https://www.ricardo.ch/fr/shop/seller/ratings
    rules:
      - name: ratinglinks
        strategy: poll
        max_poll_attempts: 10
        poll_base: 100ms
        paragraph_style:
          margin: "0"
sinks:
  - type: stdout
  - type: webhook
    url: https://hooks.example/pagemend
    retries: 5
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.RecycleInterval != 2*time.Hour || cfg.Browser.Window != 50*time.Millisecond {
		t.Errorf("browser durations: %+v", cfg.Browser)
	}
	if cfg.Browser.MaxDelay != time.Second || cfg.Browser.Mode != "headless" {
		t.Errorf("browser defaults: %+v", cfg.Browser)
	}
	if len(cfg.Pages) != 2 {
		t.Fatalf("pages: got %d", len(cfg.Pages))
	}

	bf := cfg.Pages[0]
	if bf.Mode != ModeHTTP || !bf.Snapshot {
		t.Errorf("bf page: %+v", bf)
	}
	r := bf.Rules[0]
	if r.Name != "bookstores" || r.Opacity != 0.4 || len(r.Stores) != 2 || r.Strategy != "watch" {
		t.Errorf("bookstores rule: %+v", r)
	}

	ric := cfg.Pages[1]
	if ric.ID != ric.URL || ric.Mode != ModeBrowser {
		t.Errorf("ricardo defaults: id=%q mode=%q", ric.ID, ric.Mode)
	}
	rl := ric.Rules[0]
	if rl.Strategy != "poll" || rl.MaxPollAttempts != 10 || rl.PollBase != 100*time.Millisecond {
		t.Errorf("ratinglinks rule: %+v", rl)
	}
	if rl.ParagraphStyle["margin"] != "0" {
		t.Errorf("paragraph style: %v", rl.ParagraphStyle)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[1].Retries != 5 {
		t.Errorf("sinks: %+v", cfg.Sinks)
	}
}

func TestParse_DefaultSink(t *testing.T) {
	cfg, err := Parse([]byte("pages: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Errorf("sinks: %+v", cfg.Sinks)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no url":         "pages:\n  - id: x\n",
		"bad mode":       "pages:\n  - url: https://a\n    mode: carrier-pigeon\n",
		"unknown rule":   "pages:\n  - url: https://a\n    rules:\n      - name: nope\n",
		"bad strategy":   "pages:\n  - url: https://a\n    rules:\n      - name: bookstores\n        strategy: guess\n",
		"duplicate id":   "pages:\n  - {id: a, url: https://a}\n  - {id: a, url: https://b}\n",
		"webhook no url": "sinks:\n  - type: webhook\n",
		"unknown sink":   "sinks:\n  - type: carrier\n",
		"bad yaml":       "pages: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagemend.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Browser.Remote != "ws://127.0.0.1:9222" {
		t.Errorf("remote: %q", cfg.Browser.Remote)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPages_SaveLoadRemove(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range cfg.Pages {
		if err := SavePage(ctx, db, p); err != nil {
			t.Fatal(err)
		}
	}

	pages, err := LoadPages(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages: got %d", len(pages))
	}
	bf := pages[0]
	if bf.ID != "bf" || !bf.Snapshot || bf.Mode != ModeHTTP {
		t.Errorf("bf: %+v", bf)
	}
	if len(bf.Rules) != 1 || bf.Rules[0].Opacity != 0.4 || bf.Rules[0].Stores[1] != "AbeBooks" {
		t.Errorf("bf rules round trip: %+v", bf.Rules)
	}
	if pages[1].Rules[0].PollBase != 100*time.Millisecond {
		t.Errorf("poll base round trip: %v", pages[1].Rules[0].PollBase)
	}

	ok, err := RemovePage(ctx, db, "bf")
	if err != nil || !ok {
		t.Fatalf("remove: %v %v", ok, err)
	}
	ok, _ = RemovePage(ctx, db, "bf")
	if ok {
		t.Error("second remove should report absent")
	}
	pages, _ = LoadPages(ctx, db)
	if len(pages) != 1 || !strings.Contains(pages[0].URL, "ricardo") {
		t.Errorf("after remove: %+v", pages)
	}

	if err := SavePage(ctx, db, PageConfig{ID: "x"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestMaxStamp_MovesOnEveryWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seen := map[int64]bool{}
	v, err := MaxStamp(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	seen[v] = true
	for i := 0; i < 5; i++ {
		if err := SavePage(ctx, db, PageConfig{ID: "p", URL: "https://a"}); err != nil {
			t.Fatal(err)
		}
		v, _ = MaxStamp(ctx, db)
		if seen[v] {
			t.Fatalf("write %d: version %d repeated", i, v)
		}
		seen[v] = true
	}
}

func TestPageWatcher_ReloadsOnChange(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewPageWatcher(db, WatchOptions{Interval: 5 * time.Millisecond, Logger: quietLogger()})
	got := make(chan []PageConfig, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.OnChange(ctx, func(_ context.Context, pages []PageConfig) error {
			got <- pages
			return nil
		})
	}()

	// Let the watcher seed its version before writing.
	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Checks == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := SavePage(ctx, db, PageConfig{ID: "bf", URL: "https://www.bookfinder.com/search/"}); err != nil {
		t.Fatal(err)
	}

	select {
	case pages := <-got:
		if len(pages) != 1 || pages[0].ID != "bf" {
			t.Errorf("reloaded pages: %+v", pages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	<-done
	if w.Stats().Reloads != 1 {
		t.Errorf("reloads: %d", w.Stats().Reloads)
	}
}

func TestPageWatcher_PrimedSeesEarlyWrite(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewPageWatcher(db, WatchOptions{Interval: 5 * time.Millisecond, Logger: quietLogger()})
	if err := w.Prime(ctx); err != nil {
		t.Fatal(err)
	}
	// Written after priming but before the watch loop runs.
	if err := SavePage(ctx, db, PageConfig{ID: "bf", URL: "https://www.bookfinder.com/search/"}); err != nil {
		t.Fatal(err)
	}

	got := make(chan []PageConfig, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.OnChange(ctx, func(_ context.Context, pages []PageConfig) error {
			got <- pages
			return nil
		})
	}()

	select {
	case pages := <-got:
		if len(pages) != 1 || pages[0].ID != "bf" {
			t.Errorf("reloaded pages: %+v", pages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write between Prime and OnChange was lost")
	}
	cancel()
	<-done
}
