package uploader

import (
	"context"
	"fmt"
	"io"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/lib/log"
	"github.com/rclone/kodo/region"
	"github.com/rclone/kodo/uptoken"
)

// ManagerOptions configures an upload Manager.
type ManagerOptions struct {
	// TokenProvider issues the upload tokens. Required unless Credentials
	// and Bucket are set.
	TokenProvider uptoken.Provider
	// Credentials plus Bucket mint bucket-scoped tokens when no
	// TokenProvider is given.
	Credentials auth.CredentialProvider
	Bucket      string

	// Client drives the calls; nil makes a stock client.
	Client *client.Client
	// Regions serves up endpoints statically; when nil, Queryer discovers
	// them from the token's bucket.
	Regions region.RegionsProvider
	Queryer *region.BucketQueryer

	// Recorder stores resumable upload state. Nil selects the default
	// file recorder; NoRecorder disables resumption.
	Recorder   ResumableRecorder
	NoRecorder bool

	// PartSize yields part sizes; nil means the fixed default.
	PartSize PartSizeProvider
	// Concurrency sizes the worker pool; nil means the fixed default.
	Concurrency ConcurrencyProvider
	// Serial forces one part at a time.
	Serial bool
	// Policy decides single-shot versus parts; nil means the fixed
	// threshold default.
	Policy ResumablePolicy
	// UseV1Protocol selects the block-based part protocol instead of the
	// upload-id one.
	UseV1Protocol bool
}

// Manager uploads objects, choosing between the form uploader and the
// multi-part machinery per source.
type Manager struct {
	opts  ManagerOptions
	cli   *client.Client
	token uptoken.Provider
}

// NewManager makes an upload Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	token := opts.TokenProvider
	if token == nil {
		if opts.Credentials == nil || opts.Bucket == "" {
			return nil, fmt.Errorf("uploader: either TokenProvider or Credentials and Bucket are required")
		}
		token = uptoken.NewCachedProvider(uptoken.NewBucketProvider(opts.Bucket, uptoken.DefaultTokenTTL, opts.Credentials, nil), 0)
	}
	cli := opts.Client
	if cli == nil {
		cli = client.New(client.Options{})
	}
	if opts.PartSize == nil {
		opts.PartSize = NewFixedPartSize(0)
	}
	if opts.Concurrency == nil {
		opts.Concurrency = NewFixedConcurrency(0)
	}
	if opts.Policy == nil {
		opts.Policy = NewFixedThreshold(0)
	}
	if opts.Recorder == nil && !opts.NoRecorder {
		recorder, err := NewDefaultRecorder()
		if err != nil {
			log.Debugf(nil, "uploads will not be resumable: %v", err)
		} else {
			opts.Recorder = recorder
		}
	}
	return &Manager{opts: opts, cli: cli, token: token}, nil
}

// endpointsFor picks the up endpoint provider for the token's bucket.
func (m *Manager) endpointsFor(ctx context.Context) (client.EndpointsProvider, error) {
	if m.opts.Regions != nil {
		return region.NewEndpointsProvider(m.opts.Regions), nil
	}
	if m.opts.Queryer == nil {
		return nil, &client.Error{Kind: client.KindNoRegionTried, Cause: fmt.Errorf("neither regions nor queryer configured")}
	}
	accessKey, err := m.token.AccessKey(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindTokenFetch, Cause: err}
	}
	bucket, err := m.token.BucketName(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindTokenFetch, Cause: err}
	}
	return region.NewEndpointsProvider(m.opts.Queryer.Query(accessKey, bucket)), nil
}

// UploadFile uploads the file at path, decoding the server reply into
// ret when not nil.
func (m *Manager) UploadFile(ctx context.Context, path string, params *ObjectParams, ret interface{}) error {
	src, err := NewFileSource(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	if params.FileName == "" {
		params.FileName = path
	}
	return m.Upload(ctx, src, params, ret)
}

// UploadReader uploads everything readable from r. Unseekable readers are
// not resumable across processes but still retry per part.
func (m *Manager) UploadReader(ctx context.Context, r io.Reader, params *ObjectParams, ret interface{}) error {
	return m.Upload(ctx, NewReaderSource(r, "", -1), params, ret)
}

// Upload uploads one source.
func (m *Manager) Upload(ctx context.Context, src DataSource, params *ObjectParams, ret interface{}) error {
	if params == nil {
		params = &ObjectParams{}
	}
	eps, err := m.endpointsFor(ctx)
	if err != nil {
		return err
	}
	size, sizeKnown := src.TotalSize()
	if m.opts.Policy.Decide(size, sizeKnown) == SinglePartUploading {
		log.Debugf(nil, "uploading %q in one part", params.Key)
		return newFormUploader(m.cli, m.token).upload(ctx, src, params, eps, ret)
	}
	log.Debugf(nil, "uploading %q in parts", params.Key)

	recorder := m.opts.Recorder
	var uploader multiPartsUploader
	if m.opts.UseV1Protocol {
		uploader = newV1Uploader(m.cli, m.token, recorder)
	} else {
		uploader = newV2Uploader(m.cli, m.token, recorder)
	}
	var sched scheduler
	if m.opts.Serial {
		sched = &serialScheduler{partSize: m.opts.PartSize}
	} else {
		sched = &concurrentScheduler{partSize: m.opts.PartSize, concurrency: m.opts.Concurrency}
	}
	return sched.upload(ctx, uploader, src, params, eps, ret)
}

// UploadResult is the stock server reply to an upload.
type UploadResult struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}
