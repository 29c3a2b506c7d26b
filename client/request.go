package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/uptoken"
)

// SignParts is the view of a request an Authorization signs: everything
// that takes part in a signature plus the header map to mutate.
type SignParts struct {
	Method      string
	Host        string
	Path        string
	RawQuery    string
	ContentType string
	Body        []byte
	Header      http.Header
}

// Authorization signs one outgoing attempt.
type Authorization interface {
	Sign(ctx context.Context, parts *SignParts) error
}

// authorizationV1 signs with the legacy QBox discipline.
type authorizationV1 struct {
	credentials auth.CredentialProvider
}

// NewAuthorizationV1 signs requests with the legacy QBox signature.
func NewAuthorizationV1(cp auth.CredentialProvider) Authorization {
	return &authorizationV1{credentials: cp}
}

func (a *authorizationV1) Sign(ctx context.Context, parts *SignParts) error {
	cred, err := a.credentials.Get(ctx)
	if err != nil {
		return &Error{Kind: KindCredentialFetch, Cause: err}
	}
	sig := cred.SignV1(parts.Path, parts.RawQuery, parts.ContentType, parts.Body)
	parts.Header.Set("Authorization", auth.AuthorizationV1(sig))
	return nil
}

// authorizationV2 signs with the Qiniu discipline.
type authorizationV2 struct {
	credentials auth.CredentialProvider
}

// NewAuthorizationV2 signs requests with the Qiniu signature.
func NewAuthorizationV2(cp auth.CredentialProvider) Authorization {
	return &authorizationV2{credentials: cp}
}

func (a *authorizationV2) Sign(ctx context.Context, parts *SignParts) error {
	cred, err := a.credentials.Get(ctx)
	if err != nil {
		return &Error{Kind: KindCredentialFetch, Cause: err}
	}
	sig := cred.SignV2(parts.Method, parts.Host, parts.Path, parts.RawQuery, parts.ContentType, parts.Body)
	parts.Header.Set("Authorization", auth.AuthorizationV2(sig))
	return nil
}

// authorizationUpToken authorizes with an upload token.
type authorizationUpToken struct {
	provider uptoken.Provider
}

// NewAuthorizationUpToken authorizes requests with upload tokens from the
// provider.
func NewAuthorizationUpToken(p uptoken.Provider) Authorization {
	return &authorizationUpToken{provider: p}
}

func (a *authorizationUpToken) Sign(ctx context.Context, parts *SignParts) error {
	token, err := a.provider.Token(ctx)
	if err != nil {
		return &Error{Kind: KindTokenFetch, Cause: err}
	}
	parts.Header.Set("Authorization", auth.AuthorizationUpToken(token))
	return nil
}

// Request is one logical API call to drive through the execution core.
type Request struct {
	// Method defaults to GET.
	Method string
	// Services selects which endpoint group of a region to call.
	Services []endpoints.ServiceName
	// Endpoints overrides the client's endpoints provider.
	Endpoints EndpointsProvider
	// Path of the API, with a leading slash.
	Path string
	// Query parameters, if any.
	Query url.Values
	// Header entries merged over the computed ones.
	Header http.Header
	// Authorization signs each attempt; nil sends unsigned requests.
	Authorization Authorization
	// Idempotency gates in-place retries; see the constants.
	Idempotency Idempotency
	// AppendedUserAgent is added after the SDK user agent.
	AppendedUserAgent string
	// Callbacks are the per-phase hooks for this call.
	Callbacks *Callbacks
	// Extensions is handed to every CallbackContext of this call.
	Extensions map[string]interface{}
	// ExpectJSON makes a non-JSON 200 response a malicious-response error.
	ExpectJSON bool

	contentType string
	bodyBytes   []byte
	bodyReader  io.ReadSeeker
	bodyLen     int64
}

// SetBodyBytes attaches a byte slice body.
func (r *Request) SetBodyBytes(contentType string, body []byte) *Request {
	r.contentType = contentType
	r.bodyBytes = body
	r.bodyReader = nil
	r.bodyLen = int64(len(body))
	return r
}

// SetFormBody attaches a form-urlencoded body, which takes part in
// signatures.
func (r *Request) SetFormBody(form url.Values) *Request {
	return r.SetBodyBytes("application/x-www-form-urlencoded", []byte(form.Encode()))
}

// SetJSONBody attaches a JSON body.
func (r *Request) SetJSONBody(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	r.SetBodyBytes("application/json", data)
	return nil
}

// SetReaderBody attaches a seekable streaming body of the given length.
// The reader is rewound before every attempt.
func (r *Request) SetReaderBody(contentType string, body io.ReadSeeker, length int64) *Request {
	r.contentType = contentType
	r.bodyReader = body
	r.bodyBytes = nil
	r.bodyLen = length
	return r
}

// method returns the effective HTTP method.
func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// idempotent reports whether in-place retries are allowed after send.
func (r *Request) idempotent() bool {
	switch r.Idempotency {
	case IdempotencyAlways:
		return true
	case IdempotencyNever:
		return false
	}
	switch r.method() {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// attemptBody returns a fresh reader over the request body for one
// attempt.
func (r *Request) attemptBody() (io.Reader, error) {
	if r.bodyReader != nil {
		if _, err := r.bodyReader.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return r.bodyReader, nil
	}
	if r.bodyBytes != nil {
		return bytes.NewReader(r.bodyBytes), nil
	}
	return nil, nil
}
