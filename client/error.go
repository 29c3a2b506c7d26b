package client

import (
	"errors"
	"fmt"
	"net"

	"github.com/rclone/kodo/transport"
)

// Kind classifies a call failure above the transport level.
type Kind int

// The client error kinds. Transport failures keep their finer transport
// kind alongside KindTransport.
const (
	KindTransport Kind = iota
	KindStatusCode
	KindParseResponse
	KindMaliciousResponse
	KindNoEndpointsTried
	KindNoRegionTried
	KindCredentialFetch
	KindTokenFetch
)

var kindNames = map[Kind]string{
	KindTransport:         "transport",
	KindStatusCode:        "status code",
	KindParseResponse:     "parse response",
	KindMaliciousResponse: "malicious response",
	KindNoEndpointsTried:  "no endpoints tried",
	KindNoRegionTried:     "no region tried",
	KindCredentialFetch:   "credential fetch",
	KindTokenFetch:        "token fetch",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the rich failure surfaced to callers: the classification, the
// cause, where it happened and how far the call had retried when it did.
type Error struct {
	Kind          Kind
	TransportKind transport.ErrorKind // meaningful when Kind == KindTransport
	StatusCode    int                 // meaningful when Kind == KindStatusCode
	Message       string              // server supplied error message, if any
	Cause         error
	ServerIP      net.IP
	ServerPort    int
	Metrics       *transport.Metrics
	RequestID     string
	Retried       RetriedStats
}

// Error implements the error interface.
func (e *Error) Error() string {
	var what string
	switch e.Kind {
	case KindStatusCode:
		what = fmt.Sprintf("unexpected status code %d", e.StatusCode)
		if e.Message != "" {
			what += ": " + e.Message
		}
	case KindTransport:
		what = fmt.Sprintf("%v error", e.TransportKind)
	default:
		what = e.Kind.String()
	}
	if e.Cause != nil {
		what += ": " + e.Cause.Error()
	}
	if e.RequestID != "" {
		what += fmt.Sprintf(" (reqid %s)", e.RequestID)
	}
	return what + " (retried " + e.Retried.String() + ")"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// FreezeServer reports whether the address behind this failure should be
// frozen out of IP rotation.
func (e *Error) FreezeServer() bool {
	switch e.Kind {
	case KindTransport:
		var te *transport.Error
		if errors.As(e.Cause, &te) {
			return te.FreezeServer()
		}
		return transport.NewError(e.TransportKind, nil).FreezeServer()
	case KindMaliciousResponse:
		return true
	case KindStatusCode:
		return e.StatusCode >= 500 && !isSpecialStatus(e.StatusCode)
	}
	return false
}

// IsCanceled reports whether the error represents a clean user cancel.
func (e *Error) IsCanceled() bool {
	return e.Kind == KindTransport && e.TransportKind == transport.KindUserCanceled
}

// fromTransport lifts a transport error into a client error.
func fromTransport(terr *transport.Error, retried *RetriedStats) *Error {
	e := &Error{
		Kind:          KindTransport,
		TransportKind: terr.Kind,
		Cause:         terr,
		ServerIP:      terr.ServerIP,
		ServerPort:    terr.ServerPort,
	}
	if retried != nil {
		e.Retried = *retried
	}
	return e
}

// AsError extracts a *Error from err, or wraps it as a transport failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return fromTransport(transport.Classify(err), nil)
}
