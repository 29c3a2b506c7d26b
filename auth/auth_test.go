package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacSign(secret, data string) string {
	h := hmac.New(sha1.New, []byte(secret))
	h.Write([]byte(data))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func TestSign(t *testing.T) {
	cred := New("ak", "sk")
	assert.Equal(t, "ak:"+hmacSign("sk", "hello"), cred.Sign([]byte("hello")))
}

func TestSignWithData(t *testing.T) {
	cred := New("ak", "sk")
	encoded := base64.URLEncoding.EncodeToString([]byte("hello"))
	want := "ak:" + hmacSign("sk", encoded) + ":" + encoded
	assert.Equal(t, want, cred.SignWithData([]byte("hello")))
}

func TestSignV1(t *testing.T) {
	cred := New("ak", "sk")

	// without body
	sig := cred.SignV1("/move/a/b", "", "application/octet-stream", []byte("ignored"))
	assert.Equal(t, "ak:"+hmacSign("sk", "/move/a/b\n"), sig)

	// with query
	sig = cred.SignV1("/list", "bucket=b", "", nil)
	assert.Equal(t, "ak:"+hmacSign("sk", "/list?bucket=b\n"), sig)

	// form bodies take part in the signature
	sig = cred.SignV1("/batch", "", "application/x-www-form-urlencoded", []byte("op=stat"))
	assert.Equal(t, "ak:"+hmacSign("sk", "/batch\nop=stat"), sig)
}

func TestSignV2(t *testing.T) {
	cred := New("ak", "sk")

	sig := cred.SignV2("GET", "rs.example.com", "/stat/e", "", "", nil)
	want := "GET /stat/e\nHost: rs.example.com\n\n"
	assert.Equal(t, "ak:"+hmacSign("sk", want), sig)

	sig = cred.SignV2("POST", "rs.example.com", "/batch", "x=1", "application/x-www-form-urlencoded", []byte("op=stat"))
	want = "POST /batch?x=1\nHost: rs.example.com\nContent-Type: application/x-www-form-urlencoded\n\nop=stat"
	assert.Equal(t, "ak:"+hmacSign("sk", want), sig)

	// JSON bodies take part in the v2 signature
	sig = cred.SignV2("POST", "api.example.com", "/v1/op", "", "application/json", []byte(`{"a":1}`))
	want = "POST /v1/op\nHost: api.example.com\nContent-Type: application/json\n\n" + `{"a":1}`
	assert.Equal(t, "ak:"+hmacSign("sk", want), sig)

	// binary bodies do not
	sig = cred.SignV2("POST", "up.example.com", "/put", "", "application/octet-stream", []byte{1, 2, 3})
	want = "POST /put\nHost: up.example.com\nContent-Type: application/octet-stream\n\n"
	assert.Equal(t, "ak:"+hmacSign("sk", want), sig)
}

func TestSignDownloadURL(t *testing.T) {
	cred := New("ak", "sk")
	u, err := url.Parse("http://d.example/abc/def/中文")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	signed := cred.SignDownloadURL(u, 100*time.Second, now)

	assert.Equal(t, "/abc/def/%E4%B8%AD%E6%96%87", signed.EscapedPath())
	withDeadline := "http://d.example/abc/def/%E4%B8%AD%E6%96%87?e=1700000100"
	wantPrefix := withDeadline + "&token=ak:"
	got := signed.String()
	require.True(t, len(got) > len(wantPrefix), "signed URL too short: %q", got)
	assert.Equal(t, wantPrefix, got[:len(wantPrefix)])
	assert.Equal(t, "ak:"+hmacSign("sk", withDeadline), signed.Query().Get("token"))
}

func TestCredentialProvider(t *testing.T) {
	cred := New("ak", "sk")
	got, err := cred.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cred, got)
}

func TestCanonicalHeaderName(t *testing.T) {
	for _, test := range []struct {
		in, want string
	}{
		{"content-type", "Content-Type"},
		{"CONTENT-TYPE", "Content-Type"},
		{"x-qn-meta-abc", "X-Qn-Meta-Abc"},
		{"Host", "Host"},
		{"x--double", "X--Double"},
		{"with space", "with space"}, // not a token, unchanged
	} {
		got := CanonicalHeaderName(test.in)
		assert.Equal(t, test.want, got, "canon(%q)", test.in)
		assert.Equal(t, got, CanonicalHeaderName(got), "idempotence for %q", test.in)
	}
}
