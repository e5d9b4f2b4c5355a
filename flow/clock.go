package flow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Clock paces the state machine with a single adjustable delay that applies
// between every phase of every flow.
type Clock struct {
	delay atomic.Int64
}

// NewClock creates a clock with the given inter-phase delay
func NewClock(delay time.Duration) *Clock {
	c := &Clock{}
	if delay > 0 {
		c.delay.Store(int64(delay))
	}
	return c
}

// Delay returns the current inter-phase delay
func (c *Clock) Delay() time.Duration {
	return time.Duration(c.delay.Load())
}

// SetDelay changes the simulation speed. It takes effect from the next wait.
func (c *Clock) SetDelay(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("delay cannot be negative: %s", d)
	}
	c.delay.Store(int64(d))
	return nil
}

// Wait blocks for one delay or until ctx is done, whichever comes first
func (c *Clock) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := c.Delay()
	if d == 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
