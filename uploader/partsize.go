package uploader

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rclone/kodo/transport"
)

// DefaultPartSize is the stock upload part size.
const DefaultPartSize int64 = 1 << 22

// PartSizeFeedback reports how one part upload went.
type PartSizeFeedback struct {
	PartSize int64
	Elapsed  time.Duration
	Err      error
}

// PartSizeProvider yields the size of the next part and adapts to
// feedback.
type PartSizeProvider interface {
	PartSize() int64
	Feedback(feedback PartSizeFeedback)
}

// isNetworkError reports a transfer-level failure worth slowing down for.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	switch terr.Kind {
	case transport.KindConnect, transport.KindSend, transport.KindReceive, transport.KindTimeout:
		return true
	}
	return false
}

// FixedPartSize always yields the same size.
type FixedPartSize struct {
	size int64
}

// NewFixedPartSize makes a FixedPartSize; non-positive sizes select the
// default.
func NewFixedPartSize(size int64) *FixedPartSize {
	if size <= 0 {
		size = DefaultPartSize
	}
	return &FixedPartSize{size: size}
}

// PartSize implements PartSizeProvider.
func (p *FixedPartSize) PartSize() int64 {
	return p.size
}

// Feedback implements PartSizeProvider.
func (p *FixedPartSize) Feedback(PartSizeFeedback) {}

// TimeAwarePartSize halves the part size when parts upload slowly or fail
// on the network, and doubles it when they finish fast, within bounds.
type TimeAwarePartSize struct {
	current       atomic.Int64
	min, max      int64
	upThreshold   time.Duration
	downThreshold time.Duration
}

// NewTimeAwarePartSize makes a TimeAwarePartSize starting at initial and
// staying within [min, max]. Parts faster than upThreshold grow the size,
// slower than downThreshold shrink it.
func NewTimeAwarePartSize(initial, min, max int64, upThreshold, downThreshold time.Duration) *TimeAwarePartSize {
	if min <= 0 {
		min = DefaultPartSize
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	p := &TimeAwarePartSize{
		min:           min,
		max:           max,
		upThreshold:   upThreshold,
		downThreshold: downThreshold,
	}
	p.current.Store(initial)
	return p
}

// PartSize implements PartSizeProvider.
func (p *TimeAwarePartSize) PartSize() int64 {
	return p.current.Load()
}

// Feedback implements PartSizeProvider.
func (p *TimeAwarePartSize) Feedback(feedback PartSizeFeedback) {
	current := p.current.Load()
	switch {
	case isNetworkError(feedback.Err) || (feedback.Err == nil && feedback.Elapsed > p.downThreshold):
		next := current / 2
		if next < p.min {
			next = p.min
		}
		p.current.CompareAndSwap(current, next)
	case feedback.Err == nil && feedback.Elapsed < p.upThreshold:
		next := current * 2
		if next > p.max {
			next = p.max
		}
		p.current.CompareAndSwap(current, next)
	}
}

// MultiplyPartSize rounds another provider's sizes down to a multiple.
type MultiplyPartSize struct {
	base     PartSizeProvider
	multiple int64
}

// NewMultiplyPartSize wraps base, snapping sizes to multiples of multiple.
func NewMultiplyPartSize(base PartSizeProvider, multiple int64) *MultiplyPartSize {
	if multiple <= 0 {
		multiple = 1 << 20
	}
	return &MultiplyPartSize{base: base, multiple: multiple}
}

// PartSize implements PartSizeProvider.
func (p *MultiplyPartSize) PartSize() int64 {
	size := p.base.PartSize()
	if size < p.multiple {
		size = p.multiple
	}
	return size / p.multiple * p.multiple
}

// Feedback implements PartSizeProvider.
func (p *MultiplyPartSize) Feedback(feedback PartSizeFeedback) {
	p.base.Feedback(feedback)
}

// LimitedPartSize clamps another provider's sizes between bounds.
type LimitedPartSize struct {
	base     PartSizeProvider
	min, max int64
}

// NewLimitedPartSize wraps base, clamping sizes into [min, max].
func NewLimitedPartSize(base PartSizeProvider, min, max int64) *LimitedPartSize {
	return &LimitedPartSize{base: base, min: min, max: max}
}

// PartSize implements PartSizeProvider.
func (p *LimitedPartSize) PartSize() int64 {
	size := p.base.PartSize()
	if size < p.min {
		size = p.min
	}
	if size > p.max {
		size = p.max
	}
	return size
}

// Feedback implements PartSizeProvider.
func (p *LimitedPartSize) Feedback(feedback PartSizeFeedback) {
	p.base.Feedback(feedback)
}
