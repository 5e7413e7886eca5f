package playback

import (
	"context"
	"sync"
)

// Outcome describes how an utterance ended.
type Outcome string

const (
	OutcomePending   Outcome = ""
	OutcomePrimary   Outcome = "primary"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Completion resolves once when an utterance finished, fell back, failed or
// was cancelled.
type Completion struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns an already finished Completion.
func Resolved(outcome Outcome, err error) *Completion {
	c := newCompletion()
	c.resolve(outcome, err)
	return c
}

// Done is closed when the utterance is over.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Outcome returns the result, or OutcomePending while still playing.
func (c *Completion) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Err returns the failure or cancellation cause.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the utterance is over or ctx is done.
func (c *Completion) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.Outcome(), c.Err()
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

func (c *Completion) resolve(outcome Outcome, err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.outcome = outcome
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
