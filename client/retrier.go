package client

import (
	"github.com/rclone/kodo/transport"
)

// Decision is what the retrier tells the call loop to do next.
type Decision int

// The retry decisions.
const (
	// DontRetry surfaces the outcome to the caller.
	DontRetry Decision = iota
	// TryNextServer abandons the current address and moves on.
	TryNextServer
	// RetryRequest retries against the same address after a backoff.
	RetryRequest
	// Throttled retries against the same address after the throttling
	// backoff.
	Throttled
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DontRetry:
		return "don't retry"
	case TryNextServer:
		return "try next server"
	case RetryRequest:
		return "retry request"
	case Throttled:
		return "throttled"
	}
	return "unknown"
}

// Idempotency is the idempotency class of a request. It gates whether a
// request that may have reached the server is retried in place.
type Idempotency int

// The idempotency classes.
const (
	// IdempotencyDefault derives idempotency from the HTTP method.
	IdempotencyDefault Idempotency = iota
	// IdempotencyAlways marks the request as safe to retry.
	IdempotencyAlways
	// IdempotencyNever forbids in-place retries once the request was sent.
	IdempotencyNever
)

// RetrierOptions carries the attempt context into a retry decision.
type RetrierOptions struct {
	// Idempotent is whether this request may be retried in place after it
	// reached the send phase.
	Idempotent bool
	// Retried are the call's stats so far.
	Retried *RetriedStats
}

// Retrier classifies an attempt failure into a Decision.
type Retrier interface {
	Retry(err *Error, opts *RetrierOptions) Decision
}

// statuses outside the blanket 400..501 range that are still final.
var specialFinalStatuses = map[int]bool{
	579: true, 599: true, 608: true, 612: true, 614: true, 616: true,
	618: true, 630: true, 631: true, 632: true, 640: true, 701: true,
}

func isSpecialStatus(code int) bool {
	return specialFinalStatuses[code]
}

// statusThrottled is the server's request-rate-limited status.
const statusThrottled = 573

// DefaultRetrier implements the stock policy table.
type DefaultRetrier struct {
	// Retries bounds in-place retries per endpoint before moving on.
	Retries int
}

// DefaultRetries is the stock in-place retry bound.
const DefaultRetries = 5

// NewDefaultRetrier makes a DefaultRetrier with the stock bound.
func NewDefaultRetrier() *DefaultRetrier {
	return &DefaultRetrier{Retries: DefaultRetries}
}

func (r *DefaultRetrier) classify(err *Error) Decision {
	switch err.Kind {
	case KindTransport:
		switch err.TransportKind {
		case transport.KindInvalidURL, transport.KindInvalidHeader,
			transport.KindTooManyRedirect, transport.KindUserCanceled,
			transport.KindLocalIO:
			return DontRetry
		case transport.KindConnect, transport.KindUnknownHost,
			transport.KindSSL, transport.KindDNSServer:
			return TryNextServer
		default:
			// protocol / proxy / send / receive / timeout / unknown
			return RetryRequest
		}
	case KindStatusCode:
		code := err.StatusCode
		switch {
		case code == statusThrottled:
			return Throttled
		case code >= 400 && code < 500, code == 501, isSpecialStatus(code):
			return DontRetry
		default:
			// Other 5xx and unusual codes retry in place, bounded by the
			// retry budget before moving to the next server.
			return RetryRequest
		}
	case KindParseResponse:
		return TryNextServer
	case KindMaliciousResponse:
		return RetryRequest
	}
	return DontRetry
}

// Retry implements Retrier.
func (r *DefaultRetrier) Retry(err *Error, opts *RetrierOptions) Decision {
	decision := r.classify(err)
	if decision == RetryRequest {
		if !opts.Idempotent {
			return DontRetry
		}
		retries := r.Retries
		if retries <= 0 {
			retries = DefaultRetries
		}
		if opts.Retried != nil && opts.Retried.RetriedOnCurrentEndpoint >= retries {
			return TryNextServer
		}
	}
	return decision
}

// NeverRetrier never retries.
type NeverRetrier struct{}

// NewNeverRetrier makes a NeverRetrier.
func NewNeverRetrier() *NeverRetrier {
	return &NeverRetrier{}
}

// Retry implements Retrier.
func (*NeverRetrier) Retry(err *Error, opts *RetrierOptions) Decision {
	return DontRetry
}
