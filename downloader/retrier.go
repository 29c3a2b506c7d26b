package downloader

import (
	"errors"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/transport"
)

// Decision is what a download retrier tells the loop to do next.
type Decision int

// The download retry decisions.
const (
	DontRetry Decision = iota
	TryNextServer
	RetryRequest
)

// Retrier classifies one failed download attempt.
type Retrier interface {
	Retry(err error) Decision
}

// NeverRetrier gives up on the first failure.
type NeverRetrier struct{}

// Retry implements Retrier.
func (NeverRetrier) Retry(error) Decision {
	return DontRetry
}

// ErrorRetrier is the stock policy: client errors are final, connection
// level failures move to the next URL, everything else retries in place.
type ErrorRetrier struct{}

// Retry implements Retrier.
func (ErrorRetrier) Retry(err error) Decision {
	cerr := client.AsError(err)
	switch cerr.Kind {
	case client.KindStatusCode:
		if cerr.StatusCode >= 400 && cerr.StatusCode < 500 {
			return DontRetry
		}
		return RetryRequest
	case client.KindTransport:
		var terr *transport.Error
		if errors.As(cerr.Cause, &terr) {
			switch terr.Kind {
			case transport.KindUserCanceled, transport.KindInvalidURL, transport.KindLocalIO:
				return DontRetry
			case transport.KindConnect, transport.KindUnknownHost, transport.KindDNSServer, transport.KindSSL:
				return TryNextServer
			}
		}
		if cerr.TransportKind == transport.KindUserCanceled {
			return DontRetry
		}
		return RetryRequest
	}
	return RetryRequest
}
