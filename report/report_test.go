package report

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID_IsUUIDv7(t *testing.T) {
	id := NewID()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("NewID: %q is not a UUID: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("NewID version: got %d, want 7", u.Version())
	}
	if NewID() == id {
		t.Fatal("NewID: consecutive IDs collide")
	}
}

func TestHashHTML(t *testing.T) {
	html := []byte("<html><body>test</body></html>")
	h1 := HashHTML(html)
	if h1 != HashHTML(html) {
		t.Error("HashHTML not deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("HashHTML length: got %d, want 64", len(h1))
	}
}

func TestEvent_OmitsEmptyCounters(t *testing.T) {
	data, err := json.Marshal(Event{ID: "x", Kind: KindGaveUp, Rule: "bookstores", PageURL: "https://a", Attempts: 34})
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"kind":"gave_up"`) || !strings.Contains(s, `"attempts":34`) {
		t.Errorf("encoded event: %s", s)
	}
	if strings.Contains(s, "applied") || strings.Contains(s, "generation") {
		t.Errorf("empty counters should be omitted: %s", s)
	}
}
