package pagemend

import (
	"database/sql"

	"github.com/hazyhaar/pagemend/pagemend/internal/config"
)

// Config is the top-level pagemend configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle and notification delivery.
type BrowserConfig = config.BrowserConfig

// HTTPConfig configures the HTTP surface.
type HTTPConfig = config.HTTPConfig

// PageConfig defines a page to keep mended.
type PageConfig = config.PageConfig

// RuleConfig is a rule spec plus its coordinator settings.
type RuleConfig = config.RuleConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// Page modes.
const (
	ModeBrowser = config.ModeBrowser
	ModeHTTP    = config.ModeHTTP
	ModeAuto    = config.ModeAuto
)

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// OpenDB opens the SQLite database holding mend_pages and mend_events.
func OpenDB(path string) (*sql.DB, error) {
	return config.OpenDB(path)
}
