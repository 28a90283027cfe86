package watchtx

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/pagemend/dom"
)

// ErrUnchanged is returned by an element function that found nothing to
// do, typically because the element was already transformed.
var ErrUnchanged = errors.New("watchtx: element unchanged")

// Locator produces the current target set. It must query the live
// document on every call.
type Locator func(ctx context.Context) ([]dom.Element, error)

// Transformer applies the change to a target set. It must accept an empty
// set and must not let one element's failure stop the others.
type Transformer func(ctx context.Context, targets []dom.Element) Outcome

// Outcome summarises one transform invocation.
type Outcome struct {
	Applied   int
	Unchanged int
	Skipped   []Skip
}

// Skip records an element the transform could not handle.
type Skip struct {
	Index int
	Err   error
}

// Each builds a Transformer from a per-element function. Detached elements
// and ErrUnchanged count as unchanged; any other error, or a panic, is
// recorded as a skip and the batch continues.
func Each(fn func(ctx context.Context, el dom.Element) error) Transformer {
	return func(ctx context.Context, targets []dom.Element) Outcome {
		var out Outcome
		for i, el := range targets {
			if !el.Attached(ctx) {
				out.Unchanged++
				continue
			}
			err := safeApply(ctx, fn, el)
			switch {
			case err == nil:
				out.Applied++
			case errors.Is(err, ErrUnchanged):
				out.Unchanged++
			default:
				out.Skipped = append(out.Skipped, Skip{Index: i, Err: err})
			}
		}
		return out
	}
}

func safeApply(ctx context.Context, fn func(context.Context, dom.Element) error, el dom.Element) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("watchtx: transform panic: %v", r)
		}
	}()
	return fn(ctx, el)
}
