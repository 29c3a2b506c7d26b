package client

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/rclone/kodo/transport"
)

// ErrCanceledByCallback is what a hook returns to cancel the call cleanly.
var ErrCanceledByCallback = errors.New("canceled by callback")

// CallbackContext is the view of a request a hook observes: immutable
// request metadata plus a mutable extension map for user data. A context is
// scoped to one attempt and must not be retained.
type CallbackContext struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	Idempotent  bool
	UserAgent   string
	Retried     *RetriedStats
	Extensions  map[string]interface{}
}

// BeforeRequestFunc runs before an attempt is sent. Returning an error
// cancels the whole call.
type BeforeRequestFunc func(cc *CallbackContext) error

// ProgressFunc observes request body upload progress. Returning an error
// cancels the call.
type ProgressFunc func(cc *CallbackContext, uploaded, total uint64) error

// AfterResponseFunc runs after a successful exchange.
type AfterResponseFunc func(cc *CallbackContext, resp *transport.Response) error

// AfterErrorFunc runs after a failed exchange. The error must not be
// mutated.
type AfterErrorFunc func(cc *CallbackContext, err *Error) error

// Callbacks is the ordered per-phase hook fabric. Hooks run in insertion
// order; the first one to return an error short-circuits its phase and the
// call finishes as a clean cancel.
type Callbacks struct {
	beforeRequest []BeforeRequestFunc
	progress      []ProgressFunc
	afterOK       []AfterResponseFunc
	afterError    []AfterErrorFunc
}

// OnBeforeRequest appends a before-request hook.
func (c *Callbacks) OnBeforeRequest(fn BeforeRequestFunc) *Callbacks {
	c.beforeRequest = append(c.beforeRequest, fn)
	return c
}

// OnProgress appends an upload progress hook.
func (c *Callbacks) OnProgress(fn ProgressFunc) *Callbacks {
	c.progress = append(c.progress, fn)
	return c
}

// OnAfterResponse appends a hook for successful exchanges.
func (c *Callbacks) OnAfterResponse(fn AfterResponseFunc) *Callbacks {
	c.afterOK = append(c.afterOK, fn)
	return c
}

// OnAfterError appends a hook for failed exchanges.
func (c *Callbacks) OnAfterError(fn AfterErrorFunc) *Callbacks {
	c.afterError = append(c.afterError, fn)
	return c
}

func (c *Callbacks) fireBeforeRequest(cc *CallbackContext) error {
	if c == nil {
		return nil
	}
	for _, fn := range c.beforeRequest {
		if err := fn(cc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Callbacks) fireProgress(cc *CallbackContext, uploaded, total uint64) error {
	if c == nil {
		return nil
	}
	for _, fn := range c.progress {
		if err := fn(cc, uploaded, total); err != nil {
			return err
		}
	}
	return nil
}

func (c *Callbacks) fireAfterOK(cc *CallbackContext, resp *transport.Response) error {
	if c == nil {
		return nil
	}
	for _, fn := range c.afterOK {
		if err := fn(cc, resp); err != nil {
			return err
		}
	}
	return nil
}

func (c *Callbacks) fireAfterError(cc *CallbackContext, err *Error) error {
	if c == nil {
		return nil
	}
	for _, fn := range c.afterError {
		if cbErr := fn(cc, err); cbErr != nil {
			return cbErr
		}
	}
	return nil
}
