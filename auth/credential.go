// Package auth holds the access credentials and the three request signing
// disciplines the store understands: the legacy QBox signature, the Qiniu
// signature and upload tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credential is an access key / secret key pair.
type Credential struct {
	AccessKey string
	SecretKey string
}

// New makes a Credential from an access key / secret key pair.
func New(accessKey, secretKey string) *Credential {
	return &Credential{AccessKey: accessKey, SecretKey: secretKey}
}

// String returns the access key only, to keep secrets out of logs.
func (c *Credential) String() string {
	return c.AccessKey
}

// CredentialProvider supplies a credential on demand, possibly fetching it
// from an external store.
type CredentialProvider interface {
	Get(ctx context.Context) (*Credential, error)
}

// Get implements CredentialProvider for a static credential.
func (c *Credential) Get(ctx context.Context) (*Credential, error) {
	return c, nil
}

// mac computes the URL-safe base64 of the HMAC-SHA1 of data under the
// secret key.
func (c *Credential) mac(data []byte) string {
	h := hmac.New(sha1.New, []byte(c.SecretKey))
	h.Write(data)
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// Sign signs data, returning "<ak>:<sig>".
func (c *Credential) Sign(data []byte) string {
	return c.AccessKey + ":" + c.mac(data)
}

// SignWithData signs data and appends its URL-safe base64, returning
// "<ak>:<sig>:<base64url(data)>". This is the upload token form.
func (c *Credential) SignWithData(data []byte) string {
	encoded := base64.URLEncoding.EncodeToString(data)
	return c.Sign([]byte(encoded)) + ":" + encoded
}

// incBody reports whether the body takes part in a signature for the given
// content type.
func incBody(contentType string, json bool) bool {
	mediaType := contentType
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "application/x-www-form-urlencoded" {
		return true
	}
	return json && mediaType == "application/json"
}

// SignV1 produces the legacy QBox signature "<ak>:<sig>" over
// "<path>[?<query>]\n[<body>]". The body is included only for
// form-urlencoded content.
func (c *Credential) SignV1(path, rawQuery, contentType string, body []byte) string {
	data := path
	if rawQuery != "" {
		data += "?" + rawQuery
	}
	data += "\n"
	if len(body) > 0 && incBody(contentType, false) {
		data += string(body)
	}
	return c.Sign([]byte(data))
}

// SignV2 produces the Qiniu signature "<ak>:<sig>" over the request line,
// the Host header, the content type and the body. The body is included for
// form-urlencoded and JSON content.
func (c *Credential) SignV2(method, host, path, rawQuery, contentType string, body []byte) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	b.WriteString("\nHost: ")
	b.WriteString(host)
	b.WriteByte('\n')
	if contentType != "" {
		b.WriteString("Content-Type: ")
		b.WriteString(contentType)
		b.WriteByte('\n')
	}
	b.WriteString("\n")
	if len(body) > 0 && contentType != "" && incBody(contentType, true) {
		b.Write(body)
	}
	return c.Sign([]byte(b.String()))
}

// SignDownloadURL signs a download URL, appending the deadline and token
// query parameters. The deadline is now+ttl truncated to seconds.
func (c *Credential) SignDownloadURL(u *url.URL, ttl time.Duration, now time.Time) *url.URL {
	deadline := now.Add(ttl).Unix()
	signed := *u
	e := "e=" + strconv.FormatInt(deadline, 10)
	if signed.RawQuery != "" {
		signed.RawQuery += "&" + e
	} else {
		signed.RawQuery = e
	}
	token := c.Sign([]byte(signed.String()))
	signed.RawQuery += "&token=" + token
	return &signed
}

// IsValidSignature reports whether signed is c's signature over data.
func (c *Credential) IsValidSignature(signed string, data []byte) bool {
	return signed == c.Sign(data)
}

// AuthorizationV1 formats the legacy authorization header value.
func AuthorizationV1(sig string) string {
	return fmt.Sprintf("QBox %s", sig)
}

// AuthorizationV2 formats the Qiniu authorization header value.
func AuthorizationV2(sig string) string {
	return fmt.Sprintf("Qiniu %s", sig)
}

// AuthorizationUpToken formats the upload token authorization header value.
func AuthorizationUpToken(token string) string {
	return fmt.Sprintf("UpToken %s", token)
}
