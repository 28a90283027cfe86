package watchtx

import (
	"fmt"

	"github.com/hazyhaar/pagemend/report"
)

// startPolling launches the bounded polling loop.
func (c *Coordinator) startPolling() {
	c.wg.Add(1)
	go c.pollLoop()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	max := c.cfg.MaxPollAttempts
	for attempt := 1; attempt <= max; attempt++ {
		if c.pollOnce(attempt) {
			return
		}
		if attempt == max {
			break
		}
		select {
		case <-c.ctx.Done():
			return
		case <-c.cfg.after(c.cfg.PollBackoff(attempt - 1)):
		}
	}
	c.giveUp(max)
}

// pollOnce runs one attempt. It returns true when polling is over, either
// because content was found or because the coordinator was stopped.
func (c *Coordinator) pollOnce(attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return true
	}
	if !c.cycle(fmt.Sprintf("poll %d", attempt)) {
		return false
	}
	c.becomeReady()
	return true
}

// giveUp is reached exactly once, after the last unsuccessful attempt.
func (c *Coordinator) giveUp(attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if !c.state.CompareAndSwap(int32(StateWaiting), int32(StateGaveUp)) {
		return
	}
	c.logger.Warn("watchtx: content never appeared, giving up",
		"attempts", attempts, "waited", TotalWait(c.cfg.PollBackoff, attempts))
	c.emit(report.Event{
		Kind:     report.KindGaveUp,
		Attempts: attempts,
		Detail:   fmt.Sprintf("no targets after %d attempts", attempts),
	})
	c.settle()
}
