package region

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/lib/cache"
	"github.com/rclone/kodo/lib/cachedir"
	"github.com/rclone/kodo/lib/log"
)

const regionsCacheFile = "regions-cache.json"

// cachedRegions is the persisted cache value for one lookup.
type cachedRegions struct {
	Regions []regionJSON `json:"regions"`
}

// Valid implements cache.Value: the entry is good while every region's own
// TTL holds.
func (c *cachedRegions) Valid() bool {
	if len(c.Regions) == 0 {
		return false
	}
	for _, j := range c.Regions {
		r, err := regionFromJSON(j)
		if err != nil || !r.Valid() {
			return false
		}
	}
	return true
}

func decodeCachedRegions(raw json.RawMessage) (cache.Value, error) {
	v := new(cachedRegions)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *cachedRegions) toRegions() ([]*Region, error) {
	regions := make([]*Region, 0, len(c.Regions))
	for _, j := range c.Regions {
		r, err := regionFromJSON(j)
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// QueryerOptions configures a BucketQueryer or AllRegionsQueryer.
type QueryerOptions struct {
	// Client drives the bootstrap queries; nil makes a stock client.
	Client *client.Client
	// TTL bounds cache entries on top of the per-region TTL. Defaults to
	// DefaultTTL.
	TTL time.Duration
	// PersistPath overrides where the cache log lives. NoPersist keeps
	// the cache in memory.
	PersistPath string
	NoPersist   bool
}

func newRegionsCache(opts QueryerOptions) (*cache.Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	persistPath := opts.PersistPath
	if persistPath == "" && !opts.NoPersist {
		var err error
		persistPath, err = cachedir.File(regionsCacheFile)
		if err != nil {
			log.Debugf(nil, "regions cache not persisted: %v", err)
			persistPath = ""
		}
	}
	return cache.New(cache.Options{
		TTL:         opts.TTL,
		PersistPath: persistPath,
		AutoPersist: true,
		DecodeValue: decodeCachedRegions,
	})
}

// BucketQueryer discovers the regions of a bucket through the bootstrap uc
// endpoints, caching answers under the bucket fingerprint.
type BucketQueryer struct {
	client *client.Client
	uc     *endpoints.Endpoints
	cache  *cache.Cache
}

// NewBucketQueryer makes a BucketQueryer against the given bootstrap uc
// endpoint group.
func NewBucketQueryer(uc *endpoints.Endpoints, opts QueryerOptions) (*BucketQueryer, error) {
	c, err := newRegionsCache(opts)
	if err != nil {
		return nil, err
	}
	cli := opts.Client
	if cli == nil {
		cli = client.New(client.Options{})
	}
	return &BucketQueryer{client: cli, uc: uc, cache: c}, nil
}

// Query returns the RegionsProvider for one access key / bucket pair.
func (q *BucketQueryer) Query(accessKey, bucket string) RegionsProvider {
	return &bucketRegions{queryer: q, accessKey: accessKey, bucket: bucket}
}

// Close releases the cache's persistence writer.
func (q *BucketQueryer) Close() error {
	return q.cache.Close()
}

type bucketRegions struct {
	queryer   *BucketQueryer
	accessKey string
	bucket    string
}

// Regions implements RegionsProvider.
func (b *bucketRegions) Regions(ctx context.Context) ([]*Region, error) {
	key := CacheKey(b.queryer.uc, b.accessKey, b.bucket)
	v, err := b.queryer.cache.Get(key, func() (cache.Value, error) {
		return b.queryer.query(ctx, b.accessKey, b.bucket)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedRegions).toRegions()
}

func (q *BucketQueryer) query(ctx context.Context, accessKey, bucket string) (cache.Value, error) {
	query := make(url.Values, 2)
	query.Set("ak", accessKey)
	query.Set("bucket", bucket)
	var body queryResponseJSON
	req := &client.Request{
		Method:    http.MethodGet,
		Path:      "/v4/query",
		Query:     query,
		Endpoints: client.NewStaticEndpoints(q.uc),
		Services:  []endpoints.ServiceName{endpoints.ServiceUc},
	}
	if err := q.client.CallJSON(ctx, req, &body); err != nil {
		return nil, err
	}
	return stampRegions(body.regions())
}

// stampRegions validates the response shape and stamps lookup time.
func stampRegions(raw []regionJSON) (*cachedRegions, error) {
	if len(raw) == 0 {
		return nil, &client.Error{Kind: client.KindNoRegionTried}
	}
	now := time.Now()
	out := &cachedRegions{Regions: make([]regionJSON, 0, len(raw))}
	for _, j := range raw {
		if _, err := regionFromJSON(j); err != nil {
			return nil, &client.Error{Kind: client.KindParseResponse, Cause: err}
		}
		j.CreatedAt = now
		if j.TTLSecs <= 0 {
			j.TTLSecs = int64(DefaultTTL / time.Second)
		}
		out.Regions = append(out.Regions, j)
	}
	return out, nil
}

// AllRegionsQueryer enumerates every region of an account, with the same
// caching as BucketQueryer.
type AllRegionsQueryer struct {
	client      *client.Client
	uc          *endpoints.Endpoints
	cache       *cache.Cache
	credentials auth.CredentialProvider
}

// NewAllRegionsQueryer makes an AllRegionsQueryer. The query is
// authenticated, so it needs credentials.
func NewAllRegionsQueryer(uc *endpoints.Endpoints, credentials auth.CredentialProvider, opts QueryerOptions) (*AllRegionsQueryer, error) {
	c, err := newRegionsCache(opts)
	if err != nil {
		return nil, err
	}
	cli := opts.Client
	if cli == nil {
		cli = client.New(client.Options{})
	}
	return &AllRegionsQueryer{client: cli, uc: uc, cache: c, credentials: credentials}, nil
}

// Close releases the cache's persistence writer.
func (q *AllRegionsQueryer) Close() error {
	return q.cache.Close()
}

// Regions implements RegionsProvider.
func (q *AllRegionsQueryer) Regions(ctx context.Context) ([]*Region, error) {
	cred, err := q.credentials.Get(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindCredentialFetch, Cause: err}
	}
	key := CacheKey(q.uc, cred.AccessKey, "")
	v, err := q.cache.Get(key, func() (cache.Value, error) {
		var body queryResponseJSON
		req := &client.Request{
			Method:        http.MethodGet,
			Path:          "/regions",
			Endpoints:     client.NewStaticEndpoints(q.uc),
			Services:      []endpoints.ServiceName{endpoints.ServiceUc},
			Authorization: client.NewAuthorizationV2(q.credentials),
		}
		if err := q.client.CallJSON(ctx, req, &body); err != nil {
			return nil, err
		}
		return stampRegions(body.regions())
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedRegions).toRegions()
}
