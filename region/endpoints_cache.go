package region

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/lib/cache"
	"github.com/rclone/kodo/lib/cachedir"
	"github.com/rclone/kodo/lib/log"
)

const endpointsCacheFile = "endpoints-cache.json"

// cachedEndpoints is the persisted cache value for one endpoint lookup.
type cachedEndpoints struct {
	Group     domainsJSON `json:"endpoints"`
	ExpiresAt time.Time   `json:"expires_at,omitempty"`
}

// Valid implements cache.Value.
func (c *cachedEndpoints) Valid() bool {
	if len(c.Group.Domains) == 0 {
		return false
	}
	return c.ExpiresAt.IsZero() || time.Now().Before(c.ExpiresAt)
}

func decodeCachedEndpoints(raw json.RawMessage) (cache.Value, error) {
	v := new(cachedEndpoints)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CachedEndpointsProvider memoizes another endpoints provider under a
// fixed fingerprint key, persisting across processes.
type CachedEndpointsProvider struct {
	base  client.EndpointsProvider
	key   string
	cache *cache.Cache
}

// CachedEndpointsOptions configures NewCachedEndpointsProvider.
type CachedEndpointsOptions struct {
	// TTL for each entry. Defaults to DefaultTTL.
	TTL time.Duration
	// PersistPath overrides the log location; NoPersist keeps the cache
	// in memory.
	PersistPath string
	NoPersist   bool
}

// NewCachedEndpointsProvider wraps base, caching under key (usually a
// CacheKey fingerprint).
func NewCachedEndpointsProvider(base client.EndpointsProvider, key string, opts CachedEndpointsOptions) (*CachedEndpointsProvider, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	persistPath := opts.PersistPath
	if persistPath == "" && !opts.NoPersist {
		var err error
		persistPath, err = cachedir.File(endpointsCacheFile)
		if err != nil {
			log.Debugf(nil, "endpoints cache not persisted: %v", err)
			persistPath = ""
		}
	}
	c, err := cache.New(cache.Options{
		TTL:         opts.TTL,
		PersistPath: persistPath,
		AutoPersist: true,
		DecodeValue: decodeCachedEndpoints,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEndpointsProvider{base: base, key: key, cache: c}, nil
}

// Endpoints implements client.EndpointsProvider.
func (p *CachedEndpointsProvider) Endpoints(ctx context.Context, services ...endpoints.ServiceName) (*endpoints.Endpoints, error) {
	key := p.key
	for _, service := range services {
		key += "$" + string(service)
	}
	v, err := p.cache.Get(key, func() (cache.Value, error) {
		group, err := p.base.Endpoints(ctx, services...)
		if err != nil {
			return nil, err
		}
		return &cachedEndpoints{Group: groupToJSON(group)}, nil
	})
	if err != nil {
		return nil, err
	}
	return groupFromJSON(v.(*cachedEndpoints).Group)
}

// Close releases the cache's persistence writer.
func (p *CachedEndpointsProvider) Close() error {
	return p.cache.Close()
}
