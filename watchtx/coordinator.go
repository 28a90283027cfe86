// Package watchtx implements the watched transform coordinator: it waits
// for content matching a locator to appear in a live document, transforms
// it once per content generation, and transforms it again every time the
// page replaces it.
//
// Readiness is detected either by a mutation watch on a subtree root or,
// when that root is missing or polling is requested, by a bounded polling
// loop with exponential backoff. Every cycle (locate, then transform) runs
// under one lock: cycles never overlap, whatever triggered them.
package watchtx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pagemend/dom"
	"github.com/hazyhaar/pagemend/report"
)

// ErrStarted is returned by Start on a coordinator that was already started.
var ErrStarted = errors.New("watchtx: already started")

// Strategy selects how first appearance of content is detected.
type Strategy int

const (
	StrategyWatch Strategy = iota // mutation watch, polling if the root is missing
	StrategyPoll                  // bounded polling only
)

// State is the coordinator lifecycle position.
type State int32

const (
	StateIdle    State = iota // not started
	StateWaiting              // waiting for first content
	StateReady                // first generation transformed, watching replacements
	StateGaveUp               // polling ceiling reached without content
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateGaveUp:
		return "gave_up"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reporter receives coordinator outcomes. Called with the cycle lock held;
// implementations must not call back into the coordinator.
type Reporter interface {
	Report(ctx context.Context, ev report.Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, ev report.Event)

func (f ReporterFunc) Report(ctx context.Context, ev report.Event) { f(ctx, ev) }

// Config for creating a Coordinator.
type Config struct {
	// Name identifies the coordinator in logs and reports (the rule name).
	Name   string
	PageID string

	Document dom.Document
	// Root is the selector of the subtree to watch. The replacement watch
	// is bound to the node Root matched when the first generation was
	// transformed: if the page later swaps that node itself rather than
	// its content, no further generation is seen. Pick a Root that
	// outlives the content, or an ancestor with Subtree set.
	Root string
	// Subtree extends the watch to changes nested anywhere below Root.
	Subtree bool

	Locate    Locator
	Transform Transformer

	Strategy Strategy
	// MaxPollAttempts bounds the polling strategy. Default: 34.
	MaxPollAttempts int
	// PollBackoff spaces poll attempts. Default: 250ms × 1.1^attempt.
	PollBackoff Backoff
	// SingleShot skips the replacement watch: the coordinator stops
	// reacting once the first generation is transformed.
	SingleShot bool

	Reporter Reporter
	Logger   *slog.Logger

	after func(time.Duration) <-chan time.Time
}

func (c *Config) defaults() {
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if c.PollBackoff == nil {
		c.PollBackoff = Exponential(DefaultPollBase, DefaultPollFactor)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Reporter == nil {
		c.Reporter = ReporterFunc(func(context.Context, report.Event) {})
	}
	if c.after == nil {
		c.after = time.After
	}
}

// Stats is a point-in-time view of a coordinator.
type Stats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Generations uint64 `json:"generations"`
	Applied     uint64 `json:"applied"`
	Unchanged   uint64 `json:"unchanged"`
	Skipped     uint64 `json:"skipped"`
}

// Coordinator owns the subscriptions and the polling loop of one
// locate/transform pair on one document.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	// mu serialises cycles and guards the subscriptions.
	mu      sync.Mutex
	initial dom.Subscription
	replace dom.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state      atomic.Int32
	generation atomic.Uint64
	applied    atomic.Uint64
	unchanged  atomic.Uint64
	skipped    atomic.Uint64

	settled    chan struct{}
	settleOnce sync.Once
}

// New validates cfg and creates a Coordinator. Call Start to begin.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Document == nil {
		return nil, errors.New("watchtx: nil document")
	}
	if cfg.Locate == nil || cfg.Transform == nil {
		return nil, errors.New("watchtx: locate and transform are required")
	}
	if cfg.Root == "" && cfg.Strategy == StrategyWatch {
		return nil, errors.New("watchtx: watch strategy needs a root")
	}
	cfg.defaults()

	return &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.With("rule", cfg.Name, "url", cfg.Document.URL()),
		settled: make(chan struct{}),
	}, nil
}

// Start begins detection. With the watch strategy, content already present
// is transformed before Start returns and the initial subscription is
// disconnected without having fired.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateWaiting)) {
		return ErrStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.Strategy == StrategyPoll {
		c.startPolling()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Subscribe before the first look so content landing in between is
	// not missed.
	sub, err := c.cfg.Document.Observe(c.ctx, c.cfg.Root, dom.ObserveOptions{Subtree: c.cfg.Subtree}, c.onInitial)
	if err != nil {
		if !errors.Is(err, dom.ErrRootNotFound) {
			c.state.Store(int32(StateIdle))
			c.cancel()
			return fmt.Errorf("watchtx: observe %s: %w", c.cfg.Root, err)
		}
		c.logger.Warn("watchtx: root not found, polling instead", "root", c.cfg.Root)
		c.emit(report.Event{Kind: report.KindFallback, Detail: "root not found: " + c.cfg.Root})
		c.startPolling()
		return nil
	}
	c.initial = sub

	if c.cycle("install") {
		c.disconnectInitial()
		c.becomeReady()
	}
	return nil
}

// Stop tears down every subscription and the polling loop. A stopped
// coordinator cannot be restarted.
func (c *Coordinator) Stop() {
	if c.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		c.settle()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.disconnectInitial()
	if c.replace != nil {
		if err := c.replace.Disconnect(); err != nil {
			c.logger.Debug("watchtx: disconnect replacement watch", "error", err)
		}
		c.replace = nil
	}
	c.mu.Unlock()

	c.state.Store(int32(StateStopped))
	c.settle()
}

// Wait blocks until the first generation has been transformed, polling
// gave up, or the coordinator stopped.
func (c *Coordinator) Wait(ctx context.Context) (State, error) {
	select {
	case <-c.settled:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Generation returns how many content generations were transformed.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

// Stats returns counters for status endpoints.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Name:        c.cfg.Name,
		State:       c.State().String(),
		Generations: c.generation.Load(),
		Applied:     c.applied.Load(),
		Unchanged:   c.unchanged.Load(),
		Skipped:     c.skipped.Load(),
	}
}

// onInitial handles the initial-load subscription.
func (c *Coordinator) onInitial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initial == nil || c.ctx.Err() != nil {
		return
	}
	if c.cycle("initial") {
		c.disconnectInitial()
		c.becomeReady()
	}
}

// onReplace handles the replacement subscription. It is never disconnected
// before Stop: the page may replace its content any number of times.
func (c *Coordinator) onReplace() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replace == nil || c.ctx.Err() != nil {
		return
	}
	c.cycle("replace")
}

// cycle locates targets and transforms them. It returns true when the
// target set was non-empty. c.mu must be held.
func (c *Coordinator) cycle(trigger string) bool {
	targets, err := c.cfg.Locate(c.ctx)
	if err != nil {
		c.logger.Warn("watchtx: locate failed", "trigger", trigger, "error", err)
		return false
	}
	if len(targets) == 0 {
		c.logger.Debug("watchtx: no targets", "trigger", trigger)
		return false
	}

	gen := c.generation.Add(1)
	out := c.cfg.Transform(c.ctx, targets)

	c.applied.Add(uint64(out.Applied))
	c.unchanged.Add(uint64(out.Unchanged))
	c.skipped.Add(uint64(len(out.Skipped)))

	for _, s := range out.Skipped {
		c.logger.Warn("watchtx: element skipped",
			"generation", gen, "index", s.Index, "error", s.Err)
		c.emit(report.Event{
			Kind:       report.KindSkipped,
			Generation: gen,
			Targets:    len(targets),
			Detail:     s.Err.Error(),
		})
	}

	c.logger.Info("watchtx: targets transformed",
		"trigger", trigger, "generation", gen, "targets", len(targets),
		"applied", out.Applied, "unchanged", out.Unchanged, "skipped", len(out.Skipped))
	c.emit(report.Event{
		Kind:       report.KindApplied,
		Generation: gen,
		Targets:    len(targets),
		Applied:    out.Applied,
		Unchanged:  out.Unchanged,
		Skipped:    len(out.Skipped),
		Detail:     trigger,
	})
	return true
}

// becomeReady ends the initial concern and installs the replacement watch.
// c.mu must be held.
func (c *Coordinator) becomeReady() {
	if !c.state.CompareAndSwap(int32(StateWaiting), int32(StateReady)) {
		return
	}
	c.settle()

	if c.cfg.SingleShot || c.cfg.Root == "" {
		return
	}
	sub, err := c.cfg.Document.Observe(c.ctx, c.cfg.Root, dom.ObserveOptions{Subtree: c.cfg.Subtree}, c.onReplace)
	if err != nil {
		c.logger.Warn("watchtx: replacement watch unavailable", "root", c.cfg.Root, "error", err)
		return
	}
	c.replace = sub
}

// disconnectInitial drops the initial-load subscription. c.mu must be held.
func (c *Coordinator) disconnectInitial() {
	if c.initial == nil {
		return
	}
	if err := c.initial.Disconnect(); err != nil {
		c.logger.Debug("watchtx: disconnect initial watch", "error", err)
	}
	c.initial = nil
}

func (c *Coordinator) settle() {
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Coordinator) emit(ev report.Event) {
	ev.ID = report.NewID()
	ev.Rule = c.cfg.Name
	ev.PageID = c.cfg.PageID
	ev.PageURL = c.cfg.Document.URL()
	ev.Timestamp = time.Now().UnixMilli()
	c.cfg.Reporter.Report(c.ctx, ev)
}
