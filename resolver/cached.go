package resolver

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/rclone/kodo/lib/cache"
	"github.com/rclone/kodo/lib/cachedir"
)

const (
	defaultCacheTTL      = 2 * time.Minute
	resolverCacheFile    = "resolver-cache.json"
	defaultShrinkEach    = 2 * time.Minute
	persistByDefaultAuto = true
)

// cachedAnswers is the persisted form of one resolution.
type cachedAnswers struct {
	IPs []string `json:"ips"`
}

// Valid implements cache.Value.
func (c *cachedAnswers) Valid() bool {
	return len(c.IPs) > 0
}

func decodeCachedAnswers(raw json.RawMessage) (cache.Value, error) {
	v := new(cachedAnswers)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Cached memoizes a base resolver's answers with a TTL.
type Cached struct {
	base  Resolver
	cache *cache.Cache
}

// CachedOptions configures NewCached.
type CachedOptions struct {
	// TTL for each cached answer. Defaults to 2 minutes.
	TTL time.Duration
	// PersistPath is where the cache log lives. Empty selects the file in
	// the SDK cache directory; set NoPersist to keep the cache in memory.
	PersistPath string
	// NoPersist disables the on-disk log.
	NoPersist bool
}

// NewCached wraps base with an answer cache.
func NewCached(base Resolver, opts CachedOptions) (*Cached, error) {
	if opts.TTL <= 0 {
		opts.TTL = defaultCacheTTL
	}
	persistPath := opts.PersistPath
	if persistPath == "" && !opts.NoPersist {
		var err error
		persistPath, err = cachedir.File(resolverCacheFile)
		if err != nil {
			// Degrade to a memory-only cache when no cache dir exists.
			persistPath = ""
		}
	}
	c, err := cache.New(cache.Options{
		TTL:            opts.TTL,
		ShrinkInterval: defaultShrinkEach,
		PersistPath:    persistPath,
		AutoPersist:    persistByDefaultAuto,
		DecodeValue:    decodeCachedAnswers,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{base: base, cache: c}, nil
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, domain string) (*Answers, error) {
	v, err := c.cache.Get(domain, func() (cache.Value, error) {
		answers, err := c.base.Resolve(ctx, domain)
		if err != nil {
			return nil, err
		}
		cached := &cachedAnswers{IPs: make([]string, 0, len(answers.IPs))}
		for _, ip := range answers.IPs {
			cached.IPs = append(cached.IPs, ip.String())
		}
		return cached, nil
	})
	if err != nil {
		return nil, err
	}
	cached := v.(*cachedAnswers)
	answers := &Answers{IPs: make([]net.IP, 0, len(cached.IPs))}
	for _, s := range cached.IPs {
		if ip := net.ParseIP(s); ip != nil {
			answers.IPs = append(answers.IPs, ip)
		}
	}
	return answers, nil
}

// Close releases the cache's persistence writer.
func (c *Cached) Close() error {
	return c.cache.Close()
}
