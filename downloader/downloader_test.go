package downloader

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
)

func TestStaticDomainsGenerator(t *testing.T) {
	g := NewStaticDomainsGenerator([]string{"d1.example", "d2.example"}, false)
	urls, err := g.URLs(context.Background(), "path/to/obj")
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, "http://d1.example/path/to/obj", urls[0].String())
	assert.Equal(t, "http://d2.example/path/to/obj", urls[1].String())

	https := NewStaticDomainsGenerator([]string{"d1.example"}, true)
	urls, err = https.URLs(context.Background(), "obj")
	require.NoError(t, err)
	assert.Equal(t, "https://d1.example/obj", urls[0].String())
}

func TestEndpointsGenerator(t *testing.T) {
	group := &endpoints.Endpoints{
		Preferred:   []endpoints.Endpoint{endpoints.MustParse("io1.example")},
		Alternative: []endpoints.Endpoint{endpoints.MustParse("io2.example")},
	}
	g := NewEndpointsGenerator(client.NewStaticEndpoints(group), false)
	urls, err := g.URLs(context.Background(), "obj")
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, "http://io1.example/obj", urls[0].String())
	assert.Equal(t, "http://io2.example/obj", urls[1].String())
}

func TestSignedGenerator(t *testing.T) {
	cred := auth.New("ak", "sk")
	base := NewStaticDomainsGenerator([]string{"d.example"}, false)
	g := NewSignedGenerator(base, cred, 100*time.Second)
	g.now = func() time.Time { return time.Unix(1700000000, 0) }

	urls, err := g.URLs(context.Background(), "abc/def/中文")
	require.NoError(t, err)
	require.Len(t, urls, 1)
	got := urls[0].String()

	withDeadline := "http://d.example/abc/def/%E4%B8%AD%E6%96%87?e=1700000100"
	require.True(t, strings.HasPrefix(got, withDeadline+"&token=ak:"), "got %q", got)

	h := hmac.New(sha1.New, []byte("sk"))
	h.Write([]byte(withDeadline))
	wantSig := base64.URLEncoding.EncodeToString(h.Sum(nil))
	assert.Equal(t, withDeadline+"&token=ak:"+wantSig, got)
}

func TestErrorRetrier(t *testing.T) {
	r := ErrorRetrier{}
	assert.Equal(t, DontRetry, r.Retry(&client.Error{Kind: client.KindStatusCode, StatusCode: 404}))
	assert.Equal(t, RetryRequest, r.Retry(&client.Error{Kind: client.KindStatusCode, StatusCode: 500}))
	assert.Equal(t, DontRetry, NeverRetrier{}.Retry(&client.Error{Kind: client.KindStatusCode, StatusCode: 500}))
}

func TestDownloadToWriter(t *testing.T) {
	content := []byte("hello download world")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/obj", r.URL.Path)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	m := NewManager(Options{Generator: NewStaticDomainsGenerator([]string{u.Host}, false)})

	var buf bytes.Buffer
	n, err := m.DownloadToWriter(context.Background(), "obj", &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
}

func TestDownloadFailsOverAcrossURLs(t *testing.T) {
	content := []byte("served by the second domain")
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write(content)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	// the first address refuses connections; the second is the live server
	m := NewManager(Options{
		Generator: NewStaticDomainsGenerator([]string{"127.0.0.1:1", u.Host}, false),
	})
	var buf bytes.Buffer
	_, err := m.DownloadToWriter(context.Background(), "obj", &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())
	assert.Equal(t, 1, calls)
}

func TestDownload4xxIsFinal(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(404)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	m := NewManager(Options{Generator: NewStaticDomainsGenerator([]string{u.Host, u.Host}, false)})
	var buf bytes.Buffer
	_, err := m.DownloadToWriter(context.Background(), "missing", &buf, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried anywhere")
	cerr := client.AsError(err)
	assert.Equal(t, 404, cerr.StatusCode)
}

func TestDownloadRange(t *testing.T) {
	content := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rangeHeader, "bytes="), "range %q", rangeHeader)
		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		from, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		to := len(content)
		if parts[1] != "" {
			end, err := strconv.Atoi(parts[1])
			require.NoError(t, err)
			to = end + 1
		}
		w.Header().Set("Content-Length", strconv.Itoa(to-from))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[from:to])
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	m := NewManager(Options{Generator: NewStaticDomainsGenerator([]string{u.Host}, false)})

	var buf bytes.Buffer
	n, err := m.DownloadToWriter(context.Background(), "obj", &buf, &DownloadOptions{RangeFrom: 2, RangeTo: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "23456", buf.String())
}

func TestDownloadProgress(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 100000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		_, _ = w.Write(content)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	m := NewManager(Options{Generator: NewStaticDomainsGenerator([]string{u.Host}, false)})

	var last, total uint64
	var buf bytes.Buffer
	_, err := m.DownloadToWriter(context.Background(), "obj", &buf, &DownloadOptions{
		OnProgress: func(downloaded, totalSize uint64) {
			last = downloaded
			total = totalSize
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), last)
	assert.Equal(t, uint64(len(content)), total)
}

func TestDownloadNoURLs(t *testing.T) {
	m := NewManager(Options{Generator: NewStaticDomainsGenerator(nil, false)})
	var buf bytes.Buffer
	_, err := m.DownloadToWriter(context.Background(), "obj", &buf, nil)
	cerr := client.AsError(err)
	require.NotNil(t, cerr)
	assert.Equal(t, client.KindNoEndpointsTried, cerr.Kind)
}
