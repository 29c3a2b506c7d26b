package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/lib/log"
	"github.com/rclone/kodo/transport"
)

// Options configures a download Manager.
type Options struct {
	// Generator yields the candidate URLs. Required.
	Generator URLsGenerator
	// Retrier classifies failures; nil selects ErrorRetrier.
	Retrier Retrier
	// Caller performs the exchanges; nil makes the default caller.
	Caller transport.Caller
	// Retries bounds in-place retries per URL. Defaults to 5.
	Retries int
}

// Manager downloads objects.
type Manager struct {
	generator URLsGenerator
	retrier   Retrier
	caller    transport.Caller
	retries   int
}

// NewManager makes a download Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		generator: opts.Generator,
		retrier:   opts.Retrier,
		caller:    opts.Caller,
		retries:   opts.Retries,
	}
	if m.retrier == nil {
		m.retrier = ErrorRetrier{}
	}
	if m.caller == nil {
		m.caller = transport.NewCaller(transport.CallerOptions{})
	}
	if m.retries <= 0 {
		m.retries = 5
	}
	return m
}

// String implements fmt.Stringer for logging.
func (m *Manager) String() string {
	return "download manager"
}

// DownloadOptions tunes one download.
type DownloadOptions struct {
	// RangeFrom / RangeTo bound the requested byte range; RangeTo 0
	// means to the end.
	RangeFrom int64
	RangeTo   int64
	// Header entries added to every attempt.
	Header http.Header
	// OnProgress observes transfer progress. total is 0 when unknown.
	OnProgress func(downloaded, total uint64)
}

// DownloadToWriter streams one object into w, retrying across the
// generated URLs and resuming interrupted bodies with range requests.
// It returns the number of bytes written.
func (m *Manager) DownloadToWriter(ctx context.Context, objectName string, w io.Writer, opts *DownloadOptions) (int64, error) {
	if opts == nil {
		opts = &DownloadOptions{}
	}
	urls, err := m.generator.URLs(ctx, objectName)
	if err != nil {
		return 0, err
	}
	if len(urls) == 0 {
		return 0, &client.Error{Kind: client.KindNoEndpointsTried, Cause: fmt.Errorf("no download URLs for %q", objectName)}
	}

	var written int64
	var lastErr error
	for _, u := range urls {
		retried := 0
	attempts:
		for {
			n, err := m.attempt(ctx, u, w, opts, written)
			written += n
			if err == nil {
				return written, nil
			}
			lastErr = err
			decision := m.retrier.Retry(err)
			if decision == RetryRequest && retried >= m.retries {
				decision = TryNextServer
			}
			log.Debugf(m, "%s: %v -> %d", u.Host, err, decision)
			switch decision {
			case DontRetry:
				return written, err
			case TryNextServer:
				break attempts
			case RetryRequest:
				retried++
			}
			if err := ctx.Err(); err != nil {
				return written, client.AsError(err)
			}
		}
	}
	return written, lastErr
}

// attempt performs one ranged GET, continuing from offset bytes already
// written.
func (m *Manager) attempt(ctx context.Context, u *url.URL, w io.Writer, opts *DownloadOptions, offset int64) (int64, error) {
	header := make(http.Header, len(opts.Header)+1)
	for name, values := range opts.Header {
		header[name] = values
	}
	from := opts.RangeFrom + offset
	if from > 0 || opts.RangeTo > 0 {
		rangeValue := "bytes=" + strconv.FormatInt(from, 10) + "-"
		if opts.RangeTo > 0 {
			rangeValue += strconv.FormatInt(opts.RangeTo-1, 10)
		}
		header.Set("Range", rangeValue)
	}
	resp, err := m.caller.Call(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    u.String(),
		Header: header,
	})
	if err != nil {
		return 0, client.AsError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return 0, &client.Error{
			Kind:       client.KindStatusCode,
			StatusCode: resp.StatusCode,
			RequestID:  resp.RequestID(),
		}
	}
	// A server ignoring the range restarts the body from zero; drop the
	// prefix already written instead of duplicating it.
	body := resp.Body
	var discard int64
	if from > 0 && resp.StatusCode == http.StatusOK {
		discard = from
	}
	if discard > 0 {
		if _, err := io.CopyN(io.Discard, body, discard); err != nil {
			return 0, client.AsError(err)
		}
	}

	total := uint64(0)
	if length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && length >= 0 {
		if resp.StatusCode == http.StatusPartialContent {
			total = uint64(from + length)
		} else {
			total = uint64(length)
		}
	}
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &client.Error{
					Kind:          client.KindTransport,
					TransportKind: transport.KindLocalIO,
					Cause:         werr,
				}
			}
			written += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(uint64(from+written), total)
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, client.AsError(err)
		}
	}
}
