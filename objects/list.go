package objects

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
)

// ListVersion selects the listing protocol.
type ListVersion int

// The listing protocols.
const (
	// ListV1 pages through marker-delimited JSON responses.
	ListV1 ListVersion = iota
	// ListV2 streams newline-delimited JSON items.
	ListV2
)

// ListOptions configures a listing.
type ListOptions struct {
	Prefix    string
	Delimiter string
	// Marker resumes a previous listing.
	Marker string
	// PageSize bounds items per page (v1 only). Defaults to 1000.
	PageSize int
	Version  ListVersion
}

// ListedObject is one object coming out of a listing.
type ListedObject struct {
	Key      string `json:"key"`
	PutTime  int64  `json:"putTime"`
	Hash     string `json:"hash"`
	Fsize    int64  `json:"fsize"`
	MimeType string `json:"mimeType"`
	Type     int    `json:"type"`
	Status   int    `json:"status"`
	EndUser  string `json:"endUser,omitempty"`
}

// Iterator walks a listing page by page. Use like bufio.Scanner:
//
//	iter := bucket.List(ctx, opts)
//	for iter.Next() {
//		obj := iter.Item()
//	}
//	if err := iter.Err(); err != nil { ... }
type Iterator struct {
	ctx    context.Context
	bucket *Bucket
	opts   ListOptions

	item     *ListedObject
	err      error
	done     bool
	prefixes []string

	// v1 state
	queue  []ListedObject
	marker string
	first  bool

	// v2 state
	stream  *bufio.Scanner
	closeFn func() error
}

// List starts a listing of the bucket.
func (b *Bucket) List(ctx context.Context, opts ListOptions) *Iterator {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Iterator{ctx: ctx, bucket: b, opts: opts, marker: opts.Marker, first: true}
}

// Next advances to the next object, reporting whether one is available.
func (i *Iterator) Next() bool {
	if i.err != nil || i.done {
		return false
	}
	if i.opts.Version == ListV2 {
		return i.nextV2()
	}
	return i.nextV1()
}

// Item returns the current object.
func (i *Iterator) Item() *ListedObject {
	return i.item
}

// Err returns the first error hit by the iteration.
func (i *Iterator) Err() error {
	return i.err
}

// Marker returns the marker to resume from. For v2 listings it resumes
// after the current item; for v1 listings it is the marker of the latest
// fetched page and resumes after that whole page.
func (i *Iterator) Marker() string {
	return i.marker
}

// CommonPrefixes returns the directory-like prefixes seen so far when a
// delimiter was set.
func (i *Iterator) CommonPrefixes() []string {
	return i.prefixes
}

// Close releases the stream behind a v2 iteration early.
func (i *Iterator) Close() error {
	i.done = true
	if i.closeFn != nil {
		fn := i.closeFn
		i.closeFn = nil
		return fn()
	}
	return nil
}

func (i *Iterator) listQuery() url.Values {
	query := make(url.Values, 5)
	query.Set("bucket", i.bucket.name)
	if i.opts.Prefix != "" {
		query.Set("prefix", i.opts.Prefix)
	}
	if i.opts.Delimiter != "" {
		query.Set("delimiter", i.opts.Delimiter)
	}
	if i.marker != "" {
		query.Set("marker", i.marker)
	}
	return query
}

type listPageV1 struct {
	Items          []ListedObject `json:"items"`
	Marker         string         `json:"marker,omitempty"`
	CommonPrefixes []string       `json:"commonPrefixes,omitempty"`
}

func (i *Iterator) nextV1() bool {
	for len(i.queue) == 0 {
		// Iteration ends when a page comes back without a marker.
		if !i.first && i.marker == "" {
			i.done = true
			return false
		}
		i.first = false

		provider, err := i.bucket.manager.endpointsFor(i.ctx, i.bucket.name)
		if err != nil {
			i.err = err
			return false
		}
		query := i.listQuery()
		query.Set("limit", strconv.Itoa(i.opts.PageSize))
		req := &client.Request{
			Method:        http.MethodGet,
			Path:          "/list",
			Query:         query,
			Services:      []endpoints.ServiceName{endpoints.ServiceRsf},
			Endpoints:     provider,
			Authorization: client.NewAuthorizationV2(i.bucket.manager.opts.Credentials),
		}
		var page listPageV1
		if err := i.bucket.manager.cli.CallJSON(i.ctx, req, &page); err != nil {
			i.err = err
			return false
		}
		i.queue = page.Items
		i.marker = page.Marker
		i.prefixes = append(i.prefixes, page.CommonPrefixes...)
		if len(i.queue) == 0 && i.marker == "" {
			i.done = true
			return false
		}
	}
	i.item = &i.queue[0]
	i.queue = i.queue[1:]
	return true
}

// One line of the v2 stream. The sentinel line carries no item.
type listLineV2 struct {
	Item   *ListedObject `json:"item"`
	Dir    string        `json:"dir,omitempty"`
	Marker string        `json:"marker,omitempty"`
}

func (i *Iterator) nextV2() bool {
	if i.stream == nil {
		if !i.openV2() {
			return false
		}
	}
	for i.stream.Scan() {
		line := i.stream.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry listLineV2
		if err := json.Unmarshal(line, &entry); err != nil {
			i.err = &client.Error{Kind: client.KindParseResponse, Cause: err}
			_ = i.Close()
			return false
		}
		i.marker = entry.Marker
		if entry.Dir != "" {
			i.prefixes = append(i.prefixes, entry.Dir)
		}
		if entry.Item == nil {
			if entry.Dir != "" {
				continue
			}
			// The no-more-data sentinel.
			i.done = true
			_ = i.Close()
			return false
		}
		i.item = entry.Item
		return true
	}
	if err := i.stream.Err(); err != nil {
		i.err = client.AsError(err)
	}
	i.done = true
	_ = i.Close()
	return false
}

func (i *Iterator) openV2() bool {
	provider, err := i.bucket.manager.endpointsFor(i.ctx, i.bucket.name)
	if err != nil {
		i.err = err
		return false
	}
	req := &client.Request{
		Method:        http.MethodPost,
		Path:          "/v2/list",
		Services:      []endpoints.ServiceName{endpoints.ServiceRsf},
		Endpoints:     provider,
		Authorization: client.NewAuthorizationV2(i.bucket.manager.opts.Credentials),
	}
	req.SetFormBody(i.listQuery())
	resp, err := i.bucket.manager.cli.DoStream(i.ctx, req)
	if err != nil {
		i.err = err
		return false
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	i.stream = scanner
	i.closeFn = resp.Body.Close
	return true
}

// ListResult is one element of an asynchronous listing stream.
type ListResult struct {
	Object *ListedObject
	Err    error
}

// ListChannel runs the listing in a goroutine and streams its results.
// The channel closes at end of listing; cancel ctx to stop early.
func (b *Bucket) ListChannel(ctx context.Context, opts ListOptions) <-chan ListResult {
	out := make(chan ListResult)
	go func() {
		defer close(out)
		iter := b.List(ctx, opts)
		defer func() { _ = iter.Close() }()
		for iter.Next() {
			select {
			case out <- ListResult{Object: iter.Item()}:
			case <-ctx.Done():
				return
			}
		}
		if err := iter.Err(); err != nil {
			select {
			case out <- ListResult{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
