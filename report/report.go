// Package report defines the outcomes emitted while mending pages. Sinks
// and API consumers import this package; it carries no behaviour beyond
// identifiers and hashing.
package report

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an Event.
type Kind string

const (
	KindApplied  Kind = "applied"  // transform ran on a non-empty target set
	KindSkipped  Kind = "skipped"  // one element could not be transformed
	KindGaveUp   Kind = "gave_up"  // polling ceiling reached, content never appeared
	KindFallback Kind = "fallback" // observation root missing, polling instead
)

// Event is one observable outcome of a coordinator.
type Event struct {
	ID         string `json:"id"` // UUIDv7
	Kind       Kind   `json:"kind"`
	Rule       string `json:"rule"`
	PageID     string `json:"page_id,omitempty"`
	PageURL    string `json:"page_url"`
	Generation uint64 `json:"generation,omitempty"` // content generation the event belongs to
	Targets    int    `json:"targets,omitempty"`
	Applied    int    `json:"applied,omitempty"`
	Unchanged  int    `json:"unchanged,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
	Attempts   int    `json:"attempts,omitempty"` // poll attempts, for gave_up
	Detail     string `json:"detail,omitempty"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
}

// Snapshot is the serialised page right after a content generation was
// mended.
type Snapshot struct {
	ID         string `json:"id"`
	PageID     string `json:"page_id,omitempty"`
	PageURL    string `json:"page_url"`
	Generation uint64 `json:"generation"`
	HTML       []byte `json:"html"`
	HTMLHash   string `json:"html_hash"` // SHA-256 hex
	Timestamp  int64  `json:"timestamp"`
}

// NewID returns a time-sortable UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// HashHTML returns the SHA-256 hex digest of raw HTML bytes.
func HashHTML(html []byte) string {
	h := sha256.Sum256(html)
	return fmt.Sprintf("%x", h)
}
