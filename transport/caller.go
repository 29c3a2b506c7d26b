package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultIdleRead       = 60 * time.Second
)

// CallerOptions configures the default caller.
type CallerOptions struct {
	// Transport overrides the underlying round tripper.
	Transport http.RoundTripper
	// TPSLimit caps outgoing requests per second; zero means unlimited.
	TPSLimit float64
	// TPSBurst is the burst for TPSLimit; defaults to 1 when a limit is
	// set.
	TPSBurst int
	// InsecureSkipVerify disables TLS certificate verification. For tests
	// against self-signed endpoints only.
	InsecureSkipVerify bool
}

// DefaultCaller performs exchanges over net/http, pinning the dialed
// address to the request URL host while keeping the logical domain in the
// Host header.
type DefaultCaller struct {
	client  *http.Client
	limiter *rate.Limiter
	dialer  *net.Dialer
}

// NewCaller makes a DefaultCaller.
func NewCaller(opts CallerOptions) *DefaultCaller {
	c := &DefaultCaller{
		dialer: &net.Dialer{Timeout: defaultConnectTimeout},
	}
	rt := opts.Transport
	if rt == nil {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           c.dialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		rt = transport
	}
	c.client = &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return NewError(KindTooManyRedirect, fmt.Errorf("stopped after %d redirects", len(via)))
			}
			return nil
		},
	}
	if opts.TPSLimit > 0 {
		burst := opts.TPSBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.TPSLimit), burst)
	}
	return c
}

func (c *DefaultCaller) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, network, addr)
}

// progressReader reports upload progress as the request body drains.
type progressReader struct {
	r        io.Reader
	total    uint64
	uploaded uint64
	notify   func(uploaded, total uint64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.uploaded += uint64(n)
		p.notify(p.uploaded, p.total)
	}
	return n, err
}

// idleTimeoutBody fails reads that stall longer than the idle bound.
type idleTimeoutBody struct {
	body   io.ReadCloser
	idle   time.Duration
	cancel context.CancelFunc
	timer  *time.Timer
}

func newIdleTimeoutBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, cancel)
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err == nil {
		b.timer.Reset(b.idle)
	} else {
		b.timer.Stop()
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}

// Call implements Caller.
func (c *DefaultCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, Classify(err)
		}
	}
	start := time.Now()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, NewError(KindInvalidURL, err)
	}

	// The request context bounds the whole exchange; the body keeps its
	// cancel alive beyond Call for streamed responses.
	var reqCtx context.Context
	var cancel context.CancelFunc
	if req.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, req.RequestTimeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	body := req.Body
	if body != nil && req.OnUploadProgress != nil {
		body = &progressReader{r: body, total: uint64(req.BodyLen), notify: req.OnUploadProgress}
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, u.String(), body)
	if err != nil {
		cancel()
		return nil, NewError(KindInvalidURL, err)
	}
	if req.BodyLen > 0 {
		httpReq.ContentLength = req.BodyLen
	}
	for name, values := range req.Header {
		httpReq.Header[name] = values
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		terr := Classify(err)
		if ip := net.ParseIP(u.Hostname()); ip != nil {
			terr.ServerIP = ip
			if port, perr := strconv.Atoi(u.Port()); perr == nil {
				terr.ServerPort = port
			}
		}
		return nil, terr
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Metrics:    &Metrics{TotalDuration: time.Since(start)},
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		out.ServerIP = ip
		if port, perr := strconv.Atoi(u.Port()); perr == nil {
			out.ServerPort = port
		}
	}
	idle := req.IdleReadTimeout
	if idle <= 0 {
		idle = defaultIdleRead
	}
	out.Body = newIdleTimeoutBody(resp.Body, idle, cancel)
	return out, nil
}
