package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/transport"
	"github.com/rclone/kodo/uptoken"
)

// outcome scripts one exchange of the fake caller.
type outcome struct {
	err        *transport.Error
	status     int
	body       string
	contentType string
}

// fakeCaller plays back scripted outcomes and records every request.
type fakeCaller struct {
	outcomes []outcome
	requests []*transport.Request
}

func (f *fakeCaller) Call(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.requests = append(f.requests, req)
	if len(f.outcomes) == 0 {
		return nil, transport.NewError(transport.KindUnknown, errors.New("script exhausted"))
	}
	next := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	if next.err != nil {
		return nil, next.err
	}
	contentType := next.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("X-Reqid", "fake-req-id")
	return &transport.Response{
		StatusCode: next.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(next.body))),
	}, nil
}

func newTestClient(caller transport.Caller) *Client {
	return New(Options{
		Caller:          caller,
		NoResolver:      true,
		UseInsecureHTTP: true,
		Backoff:         NewFixedBackoff(0),
	})
}

func singleEndpoint() EndpointsProvider {
	return NewStaticEndpoints(endpoints.NewEndpoints(endpoints.MustParse("10.0.0.1:8080")))
}

func TestRetryEscalation(t *testing.T) {
	// timeout, timeout, 500, 200 under a single endpoint resolving to a
	// single IP: four requests go out and the call succeeds.
	caller := &fakeCaller{outcomes: []outcome{
		{err: transport.NewError(transport.KindTimeout, errors.New("t1"))},
		{err: transport.NewError(transport.KindTimeout, errors.New("t2"))},
		{status: 500, body: `{"error":"internal"}`},
		{status: 200, body: `{"ok":true}`},
	}}
	cli := newTestClient(caller)

	var statsAtSuccess *RetriedStats
	cbs := &Callbacks{}
	cbs.OnAfterResponse(func(cc *CallbackContext, resp *transport.Response) error {
		statsAtSuccess = cc.Retried
		return nil
	})

	var out struct {
		OK bool `json:"ok"`
	}
	err := cli.CallJSON(context.Background(), &Request{
		Method:    http.MethodGet,
		Path:      "/ping",
		Endpoints: singleEndpoint(),
		Callbacks: cbs,
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Len(t, caller.requests, 4)
	require.NotNil(t, statsAtSuccess)
	assert.Equal(t, 3, statsAtSuccess.RetriedOnCurrentIPs)
	assert.Equal(t, 3, statsAtSuccess.RetriedTotal)
}

func TestNoEndpoints(t *testing.T) {
	cli := newTestClient(&fakeCaller{})
	err := cli.Call(context.Background(), &Request{
		Path:      "/ping",
		Endpoints: NewStaticEndpoints(&endpoints.Endpoints{}),
	})
	cerr := AsError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, KindNoEndpointsTried, cerr.Kind)
}

func TestEmptyPreferredIsRejected(t *testing.T) {
	cli := newTestClient(&fakeCaller{})
	group := &endpoints.Endpoints{Alternative: []endpoints.Endpoint{endpoints.MustParse("10.0.0.1")}}
	err := cli.Call(context.Background(), &Request{Path: "/ping", Endpoints: NewStaticEndpoints(group)})
	assert.Equal(t, KindNoEndpointsTried, AsError(err).Kind)
}

func TestFailoverToAlternativeEndpoint(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{
		{err: transport.NewError(transport.KindConnect, errors.New("refused"))},
		{status: 200, body: `{}`},
	}}
	cli := newTestClient(caller)

	group := &endpoints.Endpoints{
		Preferred:   []endpoints.Endpoint{endpoints.MustParse("10.0.0.1")},
		Alternative: []endpoints.Endpoint{endpoints.MustParse("10.0.0.2")},
	}
	var after *RetriedStats
	cbs := &Callbacks{}
	cbs.OnAfterResponse(func(cc *CallbackContext, resp *transport.Response) error {
		after = cc.Retried
		return nil
	})
	err := cli.CallJSON(context.Background(), &Request{
		Path:      "/ping",
		Endpoints: NewStaticEndpoints(group),
		Callbacks: cbs,
	}, nil)
	require.NoError(t, err)
	require.Len(t, caller.requests, 2)
	assert.Contains(t, caller.requests[0].URL, "10.0.0.1")
	assert.Contains(t, caller.requests[1].URL, "10.0.0.2")
	require.NotNil(t, after)
	assert.True(t, after.SwitchedToAlternative)
	assert.Equal(t, 1, after.AbandonedEndpoints)
}

func TestFinalErrorCarriesStats(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{
		{status: 612, body: `{"error":"no such file or directory"}`},
	}}
	cli := newTestClient(caller)
	err := cli.Call(context.Background(), &Request{Path: "/stat", Endpoints: singleEndpoint()})
	cerr := AsError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, KindStatusCode, cerr.Kind)
	assert.Equal(t, 612, cerr.StatusCode)
	assert.Equal(t, "no such file or directory", cerr.Message)
	assert.Equal(t, "fake-req-id", cerr.RequestID)
	assert.Contains(t, cerr.Error(), "612")
}

func TestBeforeRequestCancel(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{{status: 200, body: `{}`}}}
	cli := newTestClient(caller)

	cbs := &Callbacks{}
	cbs.OnBeforeRequest(func(cc *CallbackContext) error {
		return ErrCanceledByCallback
	})
	err := cli.Call(context.Background(), &Request{Path: "/ping", Endpoints: singleEndpoint(), Callbacks: cbs})
	cerr := AsError(err)
	require.NotNil(t, cerr)
	assert.True(t, cerr.IsCanceled())
	assert.Empty(t, caller.requests, "canceled before anything was sent")
}

func TestContextCancelIsClean(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{{status: 200, body: `{}`}}}
	cli := newTestClient(caller)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cli.Call(ctx, &Request{Path: "/ping", Endpoints: singleEndpoint()})
	require.NotNil(t, err)
	assert.True(t, AsError(err).IsCanceled())
}

func TestNonIdempotentRequestsDontRetryInPlace(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{
		{err: transport.NewError(transport.KindReceive, errors.New("reset"))},
	}}
	cli := newTestClient(caller)
	err := cli.Call(context.Background(), &Request{
		Method:      http.MethodPost,
		Path:        "/op",
		Endpoints:   singleEndpoint(),
		Idempotency: IdempotencyNever,
	})
	require.Error(t, err)
	assert.Len(t, caller.requests, 1)
}

func TestMaliciousResponseRetried(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{
		{status: 200, body: "<html>hijacked</html>", contentType: "text/html"},
		{status: 200, body: `{"ok":true}`},
	}}
	cli := newTestClient(caller)
	var out struct {
		OK bool `json:"ok"`
	}
	err := cli.CallJSON(context.Background(), &Request{Path: "/ping", Endpoints: singleEndpoint()}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Len(t, caller.requests, 2)
}

func TestRequestHeadersAndSigning(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{{status: 200, body: `{}`}}}
	cli := newTestClient(caller)
	cred := auth.New("ak", "sk")

	err := cli.CallJSON(context.Background(), &Request{
		Method:        http.MethodPost,
		Path:          "/move/a/b",
		Endpoints:     singleEndpoint(),
		Authorization: NewAuthorizationV2(cred),
	}, nil)
	require.NoError(t, err)
	require.Len(t, caller.requests, 1)
	sent := caller.requests[0]

	assert.True(t, strings.HasPrefix(sent.Header.Get("Authorization"), "Qiniu ak:"))
	assert.NotEmpty(t, sent.Header.Get("X-Reqid"))
	assert.Contains(t, sent.Header.Get("User-Agent"), "KodoGo/")
	assert.Equal(t, "10.0.0.1:8080", sent.Host)
	assert.Equal(t, "http://10.0.0.1:8080/move/a/b", sent.URL)
}

func TestAuthorizationV1Header(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{{status: 200, body: `{}`}}}
	cli := newTestClient(caller)
	err := cli.Call(context.Background(), &Request{
		Path:          "/stat/e",
		Endpoints:     singleEndpoint(),
		Authorization: NewAuthorizationV1(auth.New("ak", "sk")),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(caller.requests[0].Header.Get("Authorization"), "QBox ak:"))
}

func TestUpTokenAuthorizationHeader(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{{status: 200, body: `{}`}}}
	cli := newTestClient(caller)
	err := cli.Call(context.Background(), &Request{
		Path:          "/",
		Endpoints:     singleEndpoint(),
		Authorization: NewAuthorizationUpToken(staticToken("ak:sig:cG9saWN5")),
	})
	require.NoError(t, err)
	assert.Equal(t, "UpToken ak:sig:cG9saWN5", caller.requests[0].Header.Get("Authorization"))
}

// staticToken is a minimal uptoken.Provider for header tests.
type staticToken string

func (s staticToken) AccessKey(ctx context.Context) (string, error)  { return "", nil }
func (s staticToken) BucketName(ctx context.Context) (string, error) { return "", nil }
func (s staticToken) Token(ctx context.Context) (string, error)      { return string(s), nil }
func (s staticToken) Policy(ctx context.Context) (*uptoken.Policy, error) {
	return nil, fmt.Errorf("not implemented")
}

func TestThrottledRetriesSameIP(t *testing.T) {
	caller := &fakeCaller{outcomes: []outcome{
		{status: 573, body: `{"error":"request limited"}`},
		{status: 200, body: `{}`},
	}}
	cli := newTestClient(caller)
	start := time.Now()
	err := cli.Call(context.Background(), &Request{Path: "/ping", Endpoints: singleEndpoint()})
	require.NoError(t, err)
	assert.Len(t, caller.requests, 2)
	assert.Less(t, time.Since(start), 2*time.Second)
}
