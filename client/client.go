// Package client is the request execution core: it takes one logical API
// call and drives it to completion through endpoint materialization, DNS
// resolution, IP choice, signing, the HTTP caller, retry classification,
// backoff and feedback to the chooser.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rclone/kodo/chooser"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/lib/log"
	"github.com/rclone/kodo/resolver"
	"github.com/rclone/kodo/transport"
)

// sdkVersion mirrors the root package constant without importing it.
const sdkVersion = "1.0.0"

// DefaultUserAgent identifies the SDK on the wire.
var DefaultUserAgent = fmt.Sprintf("KodoGo/%s (%s; %s)", sdkVersion, runtime.GOOS, runtime.GOARCH)

// Options configures a Client. Zero fields get working defaults.
type Options struct {
	// Caller performs the byte-level exchanges.
	Caller transport.Caller
	// Resolver maps domains to IPs. Explicitly setting NoResolver skips
	// resolution and dials domains directly.
	Resolver resolver.Resolver
	// NoResolver disables resolution.
	NoResolver bool
	// Chooser filters resolved IPs.
	Chooser chooser.Chooser
	// Retrier classifies attempt failures.
	Retrier Retrier
	// Backoff schedules waits between in-place retries.
	Backoff Backoff
	// Endpoints is the default endpoints provider for requests that do
	// not carry their own.
	Endpoints EndpointsProvider
	// UseInsecureHTTP selects plain http URLs. Default is https.
	UseInsecureHTTP bool
	// AppendedUserAgent is added to every request's user agent.
	AppendedUserAgent string
	// RequestTimeout, ConnectTimeout and IdleReadTimeout are handed to the
	// caller per attempt.
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration
	IdleReadTimeout time.Duration
}

// Client executes logical API calls. It is safe for concurrent use.
type Client struct {
	caller     transport.Caller
	resolver   resolver.Resolver
	chooser    chooser.Chooser
	retrier    Retrier
	backoff    Backoff
	endpoints  EndpointsProvider
	insecure   bool
	appendedUA string
	reqTimeout time.Duration
	connect    time.Duration
	idleRead   time.Duration
}

// New makes a Client.
func New(opts Options) *Client {
	c := &Client{
		caller:     opts.Caller,
		resolver:   opts.Resolver,
		chooser:    opts.Chooser,
		retrier:    opts.Retrier,
		backoff:    opts.Backoff,
		endpoints:  opts.Endpoints,
		insecure:   opts.UseInsecureHTTP,
		appendedUA: opts.AppendedUserAgent,
		reqTimeout: opts.RequestTimeout,
		connect:    opts.ConnectTimeout,
		idleRead:   opts.IdleReadTimeout,
	}
	if c.caller == nil {
		c.caller = transport.NewCaller(transport.CallerOptions{})
	}
	if c.resolver == nil && !opts.NoResolver {
		c.resolver = resolver.NewShuffled(resolver.NewDirect(nil))
	}
	if c.chooser == nil {
		c.chooser = chooser.NewDefault()
	}
	if c.retrier == nil {
		c.retrier = NewDefaultRetrier()
	}
	if c.backoff == nil {
		c.backoff = NewDefaultBackoff()
	}
	return c
}

// String implements fmt.Stringer for logging.
func (c *Client) String() string {
	return "kodo client"
}

// target is one endpoint in try order.
type target struct {
	endpoint    endpoints.Endpoint
	alternative bool
}

func flatten(group *endpoints.Endpoints) []target {
	targets := make([]target, 0, group.Len())
	for _, ep := range group.Preferred {
		targets = append(targets, target{endpoint: ep})
	}
	for _, ep := range group.Alternative {
		targets = append(targets, target{endpoint: ep, alternative: true})
	}
	return targets
}

func canceledError(cause error, stats *RetriedStats) *Error {
	e := &Error{
		Kind:          KindTransport,
		TransportKind: transport.KindUserCanceled,
		Cause:         cause,
	}
	if stats != nil {
		e.Retried = *stats
	}
	return e
}

// Do executes the request and returns the raw transport response on
// success. The response body must be closed by the caller. Failures are
// always *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*transport.Response, error) {
	provider := req.Endpoints
	if provider == nil {
		provider = c.endpoints
	}
	if provider == nil {
		return nil, &Error{Kind: KindNoEndpointsTried, Cause: fmt.Errorf("no endpoints provider configured")}
	}
	group, err := provider.Endpoints(ctx, req.Services...)
	if err != nil {
		return nil, AsError(err)
	}
	// An empty preferred list is rejected outright rather than silently
	// promoting the alternatives.
	if group.IsEmpty() || len(group.Preferred) == 0 {
		return nil, &Error{Kind: KindNoEndpointsTried}
	}

	stats := &RetriedStats{}
	var lastErr *Error
	for i, t := range flatten(group) {
		if i > 0 {
			if t.alternative && !stats.SwitchedToAlternative {
				stats.SwitchToAlternative()
			} else {
				stats.SwitchEndpoint()
			}
		}
		resp, cerr, tryNext := c.tryEndpoint(ctx, req, t.endpoint, stats)
		if resp != nil {
			return resp, nil
		}
		lastErr = cerr
		if !tryNext {
			return nil, cerr
		}
	}
	if lastErr == nil {
		lastErr = &Error{Kind: KindNoEndpointsTried, Retried: *stats}
	}
	return nil, lastErr
}

// tryEndpoint resolves one endpoint and attempts its IPs in chooser order.
// tryNext reports whether the loop should move to the next endpoint.
func (c *Client) tryEndpoint(ctx context.Context, req *Request, ep endpoints.Endpoint, stats *RetriedStats) (resp *transport.Response, cerr *Error, tryNext bool) {
	domain := ep.Host
	var candidates []net.IP
	switch {
	case ep.IsIP():
		candidates = []net.IP{ep.IP()}
	case c.resolver == nil:
		// Dial the domain directly, as a single pseudo-IP attempt.
		candidates = []net.IP{nil}
	default:
		answers, err := c.resolver.Resolve(ctx, domain)
		if err != nil {
			cerr = resolveFailure(err, stats)
			decision := c.retrier.Retry(cerr, &RetrierOptions{Idempotent: true, Retried: stats})
			if decision == DontRetry {
				return nil, cerr, false
			}
			stats.IncreaseAbandonedEndpoints()
			return nil, cerr, true
		}
		candidates = c.chooser.Choose(ctx, domain, answers.IPs)
	}
	if len(candidates) == 0 {
		stats.IncreaseAbandonedEndpoints()
		return nil, &Error{
			Kind:          KindTransport,
			TransportKind: transport.KindUnknownHost,
			Cause:         fmt.Errorf("no usable IP for %q", domain),
			Retried:       *stats,
		}, true
	}

	for i, ip := range candidates {
		if i > 0 {
			stats.SwitchIPs()
		}
		var ipNext bool
		resp, cerr, ipNext = c.tryIP(ctx, req, ep, ip, stats)
		if resp != nil {
			return resp, nil, false
		}
		if !ipNext {
			return nil, cerr, false
		}
		stats.IncreaseAbandonedIPs()
	}
	stats.IncreaseAbandonedEndpoints()
	return nil, cerr, true
}

func resolveFailure(err error, stats *RetriedStats) *Error {
	kind := transport.KindDNSServer
	var rerr *resolver.Error
	if errors.As(err, &rerr) && rerr.IsNotFound() {
		kind = transport.KindUnknownHost
	}
	return &Error{
		Kind:          KindTransport,
		TransportKind: kind,
		Cause:         err,
		Retried:       *stats,
	}
}

// tryIP attempts one address, retrying in place as long as the retrier
// says RetryRequest / Throttled. ipNext reports whether to move to the
// next IP.
func (c *Client) tryIP(ctx context.Context, req *Request, ep endpoints.Endpoint, ip net.IP, stats *RetriedStats) (resp *transport.Response, cerr *Error, ipNext bool) {
	domain := ep.Host
	feedbackIPs := []net.IP{ip}
	if ip == nil {
		feedbackIPs = nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, canceledError(err, stats), false
		}
		cc := &CallbackContext{
			Method:     req.method(),
			Path:       req.Path,
			Query:      req.Query,
			Header:     req.Header,
			Body:       req.bodyBytes,
			Idempotent: req.idempotent(),
			UserAgent:  c.userAgent(req),
			Retried:    stats.Clone(),
			Extensions: req.Extensions,
		}
		if err := req.Callbacks.fireBeforeRequest(cc); err != nil {
			return nil, canceledError(err, stats), false
		}

		resp, cerr = c.attempt(ctx, req, cc, ep, ip)
		if cerr == nil {
			c.chooser.Feedback(ctx, chooser.Feedback{Domain: domain, IPs: feedbackIPs})
			if err := req.Callbacks.fireAfterOK(cc, resp); err != nil {
				_ = resp.Body.Close()
				return nil, canceledError(err, stats), false
			}
			return resp, nil, false
		}

		cerr.Retried = *stats
		if cbErr := req.Callbacks.fireAfterError(cc, cerr); cbErr != nil {
			return nil, canceledError(cbErr, stats), false
		}
		c.chooser.Feedback(ctx, chooser.Feedback{Domain: domain, IPs: feedbackIPs, Err: cerr})
		if cerr.IsCanceled() {
			return nil, cerr, false
		}

		decision := c.retrier.Retry(cerr, &RetrierOptions{Idempotent: req.idempotent(), Retried: stats})
		log.Debugf(c, "%s %s via %s: %v -> %v", req.method(), req.Path, ep, cerr, decision)
		switch decision {
		case DontRetry:
			return nil, cerr, false
		case TryNextServer:
			return nil, cerr, true
		case RetryRequest, Throttled:
			stats.IncreaseCurrentEndpoint()
			wait := c.backoff.Time(&BackoffOptions{Decision: decision, Retried: stats})
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, canceledError(ctx.Err(), stats), false
				case <-timer.C:
				}
			}
		}
	}
}

func (c *Client) userAgent(req *Request) string {
	ua := DefaultUserAgent
	if c.appendedUA != "" {
		ua += " " + c.appendedUA
	}
	if req.AppendedUserAgent != "" {
		ua += " " + req.AppendedUserAgent
	}
	return ua
}

// attempt performs exactly one exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, req *Request, cc *CallbackContext, ep endpoints.Endpoint, ip net.IP) (*transport.Response, *Error) {
	scheme := "https"
	if c.insecure {
		scheme = "http"
	}

	hostHeader := ep.String()
	dialHost := hostHeader
	if ip != nil {
		dialHost = endpoints.Endpoint{Host: ip.String(), Port: ep.Port}.String()
	}

	rawQuery := ""
	if len(req.Query) > 0 {
		rawQuery = req.Query.Encode()
	}
	url := scheme + "://" + dialHost + req.Path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	header := make(http.Header, len(req.Header)+4)
	for name, values := range req.Header {
		header[http.CanonicalHeaderKey(name)] = values
	}
	if req.contentType != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", req.contentType)
	}
	header.Set("User-Agent", cc.UserAgent)
	if header.Get("X-Reqid") == "" {
		header.Set("X-Reqid", uuid.NewString())
	}
	if req.ExpectJSON && header.Get("Accept") == "" {
		header.Set("Accept", "application/json")
	}

	if req.Authorization != nil {
		parts := &SignParts{
			Method:      req.method(),
			Host:        hostHeader,
			Path:        req.Path,
			RawQuery:    rawQuery,
			ContentType: header.Get("Content-Type"),
			Body:        req.bodyBytes,
			Header:      header,
		}
		if err := req.Authorization.Sign(ctx, parts); err != nil {
			return nil, AsError(err)
		}
	}

	body, err := req.attemptBody()
	if err != nil {
		return nil, &Error{
			Kind:          KindTransport,
			TransportKind: transport.KindLocalIO,
			Cause:         err,
		}
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	var progressErr error
	treq := &transport.Request{
		Method:          req.method(),
		URL:             url,
		Host:            hostHeader,
		Header:          header,
		Body:            body,
		BodyLen:         req.bodyLen,
		ConnectTimeout:  c.connect,
		RequestTimeout:  c.reqTimeout,
		IdleReadTimeout: c.idleRead,
	}
	if req.Callbacks != nil && len(req.Callbacks.progress) > 0 {
		treq.OnUploadProgress = func(uploaded, total uint64) {
			if progressErr != nil {
				return
			}
			if err := req.Callbacks.fireProgress(cc, uploaded, total); err != nil {
				progressErr = err
				cancelAttempt()
			}
		}
	}

	resp, err := c.caller.Call(attemptCtx, treq)
	if err != nil {
		cancelAttempt()
		if progressErr != nil {
			return nil, canceledError(progressErr, nil)
		}
		terr := transport.Classify(err)
		if terr.ServerIP == nil && ip != nil {
			terr.ServerIP = ip
		}
		return nil, fromTransport(terr, nil)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.ExpectJSON && resp.StatusCode != http.StatusNoContent && !isJSONResponse(resp) {
			_ = resp.Body.Close()
			cancelAttempt()
			return nil, &Error{
				Kind:       KindMaliciousResponse,
				Cause:      fmt.Errorf("expected JSON response, got %q", resp.Header.Get("Content-Type")),
				ServerIP:   resp.ServerIP,
				ServerPort: resp.ServerPort,
				Metrics:    resp.Metrics,
				RequestID:  resp.RequestID(),
			}
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancelAttempt}
		return resp, nil
	}
	defer cancelAttempt()
	return nil, statusError(resp)
}

// cancelOnClose releases the attempt context once the streamed response
// body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isJSONResponse(resp *transport.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// statusError reads the failure body and builds a status-code error. The
// response body is always closed.
func statusError(resp *transport.Response) *Error {
	defer func() { _ = resp.Body.Close() }()
	e := &Error{
		Kind:       KindStatusCode,
		StatusCode: resp.StatusCode,
		ServerIP:   resp.ServerIP,
		ServerPort: resp.ServerPort,
		Metrics:    resp.Metrics,
		RequestID:  resp.RequestID(),
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return e
	}
	var serverErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &serverErr) == nil && serverErr.Error != "" {
		e.Message = serverErr.Error
	}
	return e
}
