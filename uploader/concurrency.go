package uploader

import (
	"sync/atomic"
	"time"
)

// ConcurrencyFeedback reports how one part upload went under the current
// worker count.
type ConcurrencyFeedback struct {
	Concurrency int
	Elapsed     time.Duration
	Err         error
}

// ConcurrencyProvider yields how many part uploads may run at once.
type ConcurrencyProvider interface {
	Concurrency() int
	Feedback(feedback ConcurrencyFeedback)
}

// FixedConcurrency always yields the same worker count.
type FixedConcurrency struct {
	concurrency int
}

// DefaultConcurrency is the stock worker count.
const DefaultConcurrency = 4

// NewFixedConcurrency makes a FixedConcurrency; non-positive counts select
// the default.
func NewFixedConcurrency(concurrency int) *FixedConcurrency {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &FixedConcurrency{concurrency: concurrency}
}

// Concurrency implements ConcurrencyProvider.
func (p *FixedConcurrency) Concurrency() int {
	return p.concurrency
}

// Feedback implements ConcurrencyProvider.
func (p *FixedConcurrency) Feedback(ConcurrencyFeedback) {}

// TimeAwareConcurrency steps the worker count down by one when parts
// upload slowly or fail on the network, and up by one when they finish
// fast, saturating at 1 and at the maximum.
type TimeAwareConcurrency struct {
	current       atomic.Int64
	max           int
	upThreshold   time.Duration
	downThreshold time.Duration
}

// NewTimeAwareConcurrency makes a TimeAwareConcurrency starting at initial
// workers, capped at max.
func NewTimeAwareConcurrency(initial, max int, upThreshold, downThreshold time.Duration) *TimeAwareConcurrency {
	if max <= 0 {
		max = DefaultConcurrency
	}
	if initial <= 0 {
		initial = 1
	}
	if initial > max {
		initial = max
	}
	c := &TimeAwareConcurrency{
		max:           max,
		upThreshold:   upThreshold,
		downThreshold: downThreshold,
	}
	c.current.Store(int64(initial))
	return c
}

// Concurrency implements ConcurrencyProvider.
func (c *TimeAwareConcurrency) Concurrency() int {
	current := int(c.current.Load())
	if current > c.max {
		return c.max
	}
	if current < 1 {
		return 1
	}
	return current
}

// Feedback implements ConcurrencyProvider.
func (c *TimeAwareConcurrency) Feedback(feedback ConcurrencyFeedback) {
	current := int64(feedback.Concurrency)
	switch {
	case (isNetworkError(feedback.Err) || (feedback.Err == nil && feedback.Elapsed > c.downThreshold)) && current > 1:
		c.current.CompareAndSwap(current, current-1)
	case feedback.Err == nil && feedback.Elapsed < c.upThreshold && current < int64(c.max):
		c.current.CompareAndSwap(current, current+1)
	}
}
