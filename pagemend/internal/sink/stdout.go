package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/pagemend/report"
)

// Stdout writes one JSON envelope per line.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. A nil w means os.Stdout.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Stdout{enc: enc}
}

func (s *Stdout) Send(_ context.Context, ev report.Event) error {
	return s.write(envelope{Type: "event", Data: ev})
}

func (s *Stdout) SendSnapshot(_ context.Context, snap report.Snapshot) error {
	return s.write(envelope{Type: "snapshot", Data: snapshotView(snap)})
}

func (s *Stdout) Close() error { return nil }

func (s *Stdout) write(e envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(e)
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// marshalEnvelope encodes e without HTML escaping, as the stdout sink does.
func marshalEnvelope(e envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// snapshotJSON carries the HTML as text rather than base64.
type snapshotJSON struct {
	ID         string `json:"id"`
	PageID     string `json:"page_id,omitempty"`
	PageURL    string `json:"page_url"`
	Generation uint64 `json:"generation"`
	HTML       string `json:"html"`
	HTMLHash   string `json:"html_hash"`
	Timestamp  int64  `json:"timestamp"`
}

func snapshotView(s report.Snapshot) snapshotJSON {
	return snapshotJSON{
		ID:         s.ID,
		PageID:     s.PageID,
		PageURL:    s.PageURL,
		Generation: s.Generation,
		HTML:       string(s.HTML),
		HTMLHash:   s.HTMLHash,
		Timestamp:  s.Timestamp,
	}
}
