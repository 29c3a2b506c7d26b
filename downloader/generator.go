// Package downloader fetches stored objects through generated download
// URLs, with retry across URLs and range-based resumption of interrupted
// transfers.
package downloader

import (
	"context"
	"net/url"
	"time"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
)

// DefaultSignTTL is how long signed download URLs stay valid.
const DefaultSignTTL = time.Hour

// URLsGenerator yields the ordered candidate URLs for one object.
type URLsGenerator interface {
	URLs(ctx context.Context, objectName string) ([]*url.URL, error)
}

func objectURL(scheme, host, objectName string) *url.URL {
	return &url.URL{Scheme: scheme, Host: host, Path: "/" + objectName}
}

// StaticDomainsGenerator serves URLs over a fixed domain list.
type StaticDomainsGenerator struct {
	domains  []string
	useHTTPS bool
}

// NewStaticDomainsGenerator makes a generator over fixed domains.
func NewStaticDomainsGenerator(domains []string, useHTTPS bool) *StaticDomainsGenerator {
	return &StaticDomainsGenerator{domains: domains, useHTTPS: useHTTPS}
}

// URLs implements URLsGenerator.
func (g *StaticDomainsGenerator) URLs(ctx context.Context, objectName string) ([]*url.URL, error) {
	scheme := "http"
	if g.useHTTPS {
		scheme = "https"
	}
	urls := make([]*url.URL, 0, len(g.domains))
	for _, domain := range g.domains {
		urls = append(urls, objectURL(scheme, domain, objectName))
	}
	return urls, nil
}

// EndpointsGenerator derives URLs from an endpoints provider's io
// service, preferred endpoints first.
type EndpointsGenerator struct {
	provider client.EndpointsProvider
	useHTTPS bool
}

// NewEndpointsGenerator makes a generator over the provider's io
// endpoints.
func NewEndpointsGenerator(provider client.EndpointsProvider, useHTTPS bool) *EndpointsGenerator {
	return &EndpointsGenerator{provider: provider, useHTTPS: useHTTPS}
}

// URLs implements URLsGenerator.
func (g *EndpointsGenerator) URLs(ctx context.Context, objectName string) ([]*url.URL, error) {
	group, err := g.provider.Endpoints(ctx, endpoints.ServiceIo)
	if err != nil {
		return nil, err
	}
	scheme := "http"
	if g.useHTTPS {
		scheme = "https"
	}
	urls := make([]*url.URL, 0, group.Len())
	for _, ep := range group.Preferred {
		urls = append(urls, objectURL(scheme, ep.String(), objectName))
	}
	for _, ep := range group.Alternative {
		urls = append(urls, objectURL(scheme, ep.String(), objectName))
	}
	return urls, nil
}

// SignedGenerator signs every URL of a base generator for private-bucket
// access.
type SignedGenerator struct {
	base        URLsGenerator
	credentials auth.CredentialProvider
	ttl         time.Duration
	now         func() time.Time
}

// NewSignedGenerator wraps base, signing each URL with a deadline of
// now+ttl. A non-positive ttl selects DefaultSignTTL.
func NewSignedGenerator(base URLsGenerator, credentials auth.CredentialProvider, ttl time.Duration) *SignedGenerator {
	if ttl <= 0 {
		ttl = DefaultSignTTL
	}
	return &SignedGenerator{base: base, credentials: credentials, ttl: ttl, now: time.Now}
}

// URLs implements URLsGenerator.
func (g *SignedGenerator) URLs(ctx context.Context, objectName string) ([]*url.URL, error) {
	urls, err := g.base.URLs(ctx, objectName)
	if err != nil {
		return nil, err
	}
	cred, err := g.credentials.Get(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindCredentialFetch, Cause: err}
	}
	signed := make([]*url.URL, 0, len(urls))
	for _, u := range urls {
		signed = append(signed, cred.SignDownloadURL(u, g.ttl, g.now()))
	}
	return signed, nil
}
