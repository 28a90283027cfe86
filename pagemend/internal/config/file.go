// Package config loads pagemend configuration from a YAML file and, for
// the page list, from an optional SQLite table.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pagemend/rules"
)

// Page modes.
const (
	ModeBrowser = "browser" // live tab, coordinators run for the tab's lifetime
	ModeHTTP    = "http"    // fetch once, mend in memory
	ModeAuto    = "auto"    // http, escalating to browser for client-rendered pages
)

// Config is the top-level configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	HTTP    HTTPConfig    `yaml:"http"`
	Pages   []PageConfig  `yaml:"pages"`
	Sinks   []SinkConfig  `yaml:"sinks"`
	// Database is the SQLite file holding mend_pages and mend_events.
	Database string `yaml:"database"`
}

// BrowserConfig controls Chrome and notification delivery.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Mode             string        `yaml:"mode"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	// Window is the quiet period before a mutation notification is delivered.
	Window   time.Duration `yaml:"window"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	// RewriteTimeout bounds one /rewrite request.
	RewriteTimeout time.Duration `yaml:"rewrite_timeout"`
}

// PageConfig is a page to keep mended.
type PageConfig struct {
	ID   string `yaml:"id" json:"id"`
	URL  string `yaml:"url" json:"url"`
	Mode string `yaml:"mode" json:"mode,omitempty"`
	// Snapshot emits the mended page after every generation.
	Snapshot bool `yaml:"snapshot" json:"snapshot,omitempty"`
	// Rules to run; empty means every built-in rule matching URL.
	Rules []RuleConfig `yaml:"rules" json:"rules,omitempty"`
}

// RuleConfig is a rule spec plus how its coordinator detects content.
type RuleConfig struct {
	rules.Spec `yaml:",inline"`

	Strategy        string        `yaml:"strategy" json:"strategy,omitempty"` // watch | poll
	MaxPollAttempts int           `yaml:"max_poll_attempts" json:"max_poll_attempts,omitempty"`
	PollBase        time.Duration `yaml:"poll_base" json:"poll_base,omitempty"`
	PollFactor      float64       `yaml:"poll_factor" json:"poll_factor,omitempty"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string `yaml:"type"` // stdout | webhook | eventlog
	URL     string `yaml:"url"`
	Retries int    `yaml:"retries"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Browser.Window <= 0 {
		c.Browser.Window = 100 * time.Millisecond
	}
	if c.Browser.MaxDelay <= 0 {
		c.Browser.MaxDelay = time.Second
	}
	if c.HTTP.RewriteTimeout <= 0 {
		c.HTTP.RewriteTimeout = 90 * time.Second
	}
	for i := range c.Pages {
		c.Pages[i].ApplyDefaults()
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
}

// ApplyDefaults fills the zero fields of a page.
func (p *PageConfig) ApplyDefaults() {
	if p.Mode == "" {
		p.Mode = ModeBrowser
	}
	if p.ID == "" {
		p.ID = p.URL
	}
	for i := range p.Rules {
		if p.Rules[i].Strategy == "" {
			p.Rules[i].Strategy = "watch"
		}
	}
}

// Validate checks a page.
func (p *PageConfig) Validate() error {
	if p.URL == "" {
		return errors.New("config: page without url")
	}
	switch p.Mode {
	case ModeBrowser, ModeHTTP, ModeAuto:
	default:
		return fmt.Errorf("config: page %s: unknown mode %q", p.ID, p.Mode)
	}
	for _, r := range p.Rules {
		if r.Strategy != "watch" && r.Strategy != "poll" {
			return fmt.Errorf("config: page %s: rule %s: unknown strategy %q", p.ID, r.Name, r.Strategy)
		}
		if _, err := rules.Build(r.Spec); err != nil {
			return fmt.Errorf("config: page %s: %w", p.ID, err)
		}
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for i := range c.Pages {
		p := &c.Pages[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for _, s := range c.Sinks {
		switch s.Type {
		case "stdout", "eventlog":
		case "webhook":
			if s.URL == "" {
				return errors.New("config: webhook sink without url")
			}
		default:
			return fmt.Errorf("config: unknown sink type %q", s.Type)
		}
	}
	return nil
}
