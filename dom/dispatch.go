package dom

import (
	"context"
	"sync"
	"time"
)

// DispatchConfig controls notification batching.
type DispatchConfig struct {
	// Window is the quiet period waited after a notification before
	// delivering. Zero delivers as soon as the worker is free.
	Window time.Duration
	// MaxDelay bounds how long a busy page can postpone delivery.
	// Default: 4 × Window.
	MaxDelay time.Duration
}

func (dc *DispatchConfig) defaults() {
	if dc.Window > 0 && dc.MaxDelay <= 0 {
		dc.MaxDelay = 4 * dc.Window
	}
}

type notification struct {
	key string
	fn  func()
}

// Dispatcher delivers subscription notifications one at a time on a single
// goroutine, the way a page's script thread would. A notification for a key
// that is already queued is dropped, so a burst of mutations produces one
// callback.
type Dispatcher struct {
	cfg DispatchConfig

	mu      sync.Mutex
	queue   []notification
	queued  map[string]bool
	busy    bool
	closed  bool
	changed chan struct{}

	wake chan struct{}
	done chan struct{}
}

// NewDispatcher starts a dispatcher. Call Close to stop its goroutine.
func NewDispatcher(cfg DispatchConfig) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		cfg:     cfg,
		queued:  make(map[string]bool),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify queues fn under key unless a notification for key is still
// waiting. Notifications after Close are dropped.
func (d *Dispatcher) Notify(key string, fn func()) {
	d.mu.Lock()
	if d.closed || d.queued[key] {
		d.mu.Unlock()
		return
	}
	d.queued[key] = true
	d.queue = append(d.queue, notification{key: key, fn: fn})
	d.signalLocked()
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Settle blocks until no notification is queued or running.
func (d *Dispatcher) Settle(ctx context.Context) error {
	for {
		d.mu.Lock()
		if (len(d.queue) == 0 && !d.busy) || d.closed {
			d.mu.Unlock()
			return nil
		}
		ch := d.changed
		d.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops delivery. Queued notifications are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.signalLocked()
	d.mu.Unlock()
	close(d.done)
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		if d.cfg.Window > 0 && !d.quiet() {
			return
		}

		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.queued = make(map[string]bool)
		d.busy = len(batch) > 0
		d.mu.Unlock()

		for _, n := range batch {
			n.fn()
		}

		d.mu.Lock()
		d.busy = false
		d.signalLocked()
		d.mu.Unlock()
	}
}

// quiet waits until no new notification arrived for Window, or MaxDelay
// elapsed. Returns false if the dispatcher was closed meanwhile.
func (d *Dispatcher) quiet() bool {
	deadline := time.NewTimer(d.cfg.MaxDelay)
	defer deadline.Stop()
	window := time.NewTimer(d.cfg.Window)
	defer window.Stop()

	for {
		select {
		case <-d.done:
			return false
		case <-deadline.C:
			return true
		case <-window.C:
			return true
		case <-d.wake:
			window.Reset(d.cfg.Window)
		}
	}
}

// signalLocked wakes Settle callers. d.mu must be held.
func (d *Dispatcher) signalLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}
