package sink

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagemend/report"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appliedEvent(gen uint64) report.Event {
	return report.Event{
		ID:         report.NewID(),
		Kind:       report.KindApplied,
		Rule:       "bookstores",
		PageID:     "bf",
		PageURL:    "https://www.bookfinder.com/search/",
		Generation: gen,
		Targets:    4,
		Applied:    2,
		Unchanged:  1,
		Skipped:    1,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestStdout_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	ctx := context.Background()

	if err := s.Send(ctx, appliedEvent(1)); err != nil {
		t.Fatal(err)
	}
	snap := report.Snapshot{ID: "s1", PageURL: "https://a", Generation: 1, HTML: []byte("<p>x</p>"), HTMLHash: report.HashHTML([]byte("<p>x</p>"))}
	if err := s.SendSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d, want 2", len(lines))
	}
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "snapshot" || !strings.Contains(string(env.Data), `"html":"<p>x</p>"`) {
		t.Errorf("snapshot line: %s", lines[1])
	}
	if !strings.Contains(lines[0], `"type":"event"`) || !strings.Contains(lines[0], `"kind":"applied"`) {
		t.Errorf("event line: %s", lines[0])
	}
}

type failing struct{ calls int }

func (f *failing) Send(context.Context, report.Event) error {
	f.calls++
	return errors.New("down")
}
func (f *failing) SendSnapshot(context.Context, report.Snapshot) error { return errors.New("down") }
func (f *failing) Close() error                                        { return nil }

func TestRouter_FanOutPastFailures(t *testing.T) {
	bad := &failing{}
	var got []report.Event
	cb := NewCallback(func(_ context.Context, ev report.Event) error {
		got = append(got, ev)
		return nil
	}, nil)

	r := NewRouter(quietLogger(), bad, cb)
	err := r.Send(context.Background(), appliedEvent(1))
	if err == nil || err.Error() != "down" {
		t.Errorf("first error: got %v", err)
	}
	if len(got) != 1 || bad.calls != 1 {
		t.Errorf("deliveries: callback=%d failing=%d", len(got), bad.calls)
	}

	r.Report(context.Background(), appliedEvent(2))
	if len(got) != 2 {
		t.Errorf("Report should deliver: got %d", len(got))
	}

	var snaps int
	r.Add(NewCallback(nil, func(context.Context, report.Snapshot) error { snaps++; return nil }))
	_ = r.SendSnapshot(context.Background(), report.Snapshot{})
	if snaps != 1 {
		t.Errorf("added sink snapshots: %d", snaps)
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quietLogger()))
	if err := w.Send(context.Background(), appliedEvent(3)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts: got %d, want 3", hits.Load())
	}
	if s, _ := body.Load().(string); !strings.Contains(s, `"generation":3`) {
		t.Errorf("posted body: %s", s)
	}
}

func TestWebhook_SnapshotHTMLUnescaped(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookLogger(quietLogger()))
	snap := report.Snapshot{ID: "s1", PageURL: "https://a", Generation: 1, HTML: []byte("<p>x</p>")}
	if err := w.SendSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	var buf bytes.Buffer
	if err := NewStdout(&buf).SendSnapshot(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	s, _ := body.Load().(string)
	if !strings.Contains(s, `"html":"<p>x</p>"`) {
		t.Errorf("posted body: %s", s)
	}
	if s != strings.TrimSuffix(buf.String(), "\n") {
		t.Errorf("webhook and stdout differ:\n%s\n%s", s, buf.String())
	}
}

func TestWebhook_GivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRetries(2), WithWebhookBackoff(time.Millisecond), WithWebhookLogger(quietLogger()))
	if err := w.Send(context.Background(), appliedEvent(1)); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 3 {
		t.Errorf("attempts: got %d, want 3", hits.Load())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ctx := context.Background()

	_ = m.Send(ctx, appliedEvent(1))
	_ = m.Send(ctx, appliedEvent(2))
	_ = m.Send(ctx, report.Event{Kind: report.KindGaveUp, Rule: "ratinglinks", Attempts: 34})
	_ = m.SendSnapshot(ctx, report.Snapshot{})

	if v := testutil.ToFloat64(m.Events.WithLabelValues("applied", "bookstores")); v != 2 {
		t.Errorf("applied events: %v", v)
	}
	if v := testutil.ToFloat64(m.Elements.WithLabelValues("applied", "bookstores")); v != 4 {
		t.Errorf("applied elements: %v", v)
	}
	if v := testutil.ToFloat64(m.Elements.WithLabelValues("skipped", "bookstores")); v != 2 {
		t.Errorf("skipped elements: %v", v)
	}
	if v := testutil.ToFloat64(m.Generation.WithLabelValues("bf", "bookstores")); v != 2 {
		t.Errorf("generation: %v", v)
	}
	if v := testutil.ToFloat64(m.PollGiveUp.WithLabelValues("ratinglinks")); v != 34 {
		t.Errorf("give-up attempts: %v", v)
	}
	if v := testutil.ToFloat64(m.Snapshots); v != 1 {
		t.Errorf("snapshots: %v", v)
	}
}

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEventLog_PersistsOnClose(t *testing.T) {
	db := openMemDB(t)
	l, err := NewEventLog(db, 10, time.Hour, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for gen := uint64(1); gen <= 3; gen++ {
		ev := appliedEvent(gen)
		ev.Timestamp = int64(gen)
		if err := l.Send(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	other := appliedEvent(9)
	other.PageID = "ricardo"
	_ = l.Send(ctx, other)

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal("second Close:", err)
	}

	evs, err := l.Recent(ctx, "bf", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("recent: got %d, want 2", len(evs))
	}
	if evs[0].Generation != 3 || evs[0].Kind != report.KindApplied || evs[0].Skipped != 1 {
		t.Errorf("newest event: %+v", evs[0])
	}

	all, err := l.Recent(ctx, "", 0)
	if err != nil || len(all) != 4 {
		t.Errorf("all events: %d, %v", len(all), err)
	}
}

func TestEventLog_SyncFallbackWhenFull(t *testing.T) {
	db := openMemDB(t)
	l, err := NewEventLog(db, 1, time.Hour, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := l.Send(ctx, appliedEvent(uint64(i+1))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	l.Close()

	all, err := l.Recent(ctx, "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 20 {
		t.Errorf("persisted: got %d, want 20", len(all))
	}
}
