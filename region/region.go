// Package region models the multi-region topology of the store and the
// providers that discover it: static lists, the bucket query API and the
// all-regions API, with on-disk caching keyed by a bucket fingerprint.
package region

import (
	"context"
	"time"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
)

// DefaultTTL applies when the server response carries no TTL.
const DefaultTTL = 86400 * time.Second

// Region is a named bundle of per-service endpoint groups with a TTL.
type Region struct {
	ID            string
	S3RegionAlias string
	TTL           time.Duration
	CreatedAt     time.Time

	Up  *endpoints.Endpoints
	Io  *endpoints.Endpoints
	Uc  *endpoints.Endpoints
	Rs  *endpoints.Endpoints
	Rsf *endpoints.Endpoints
	API *endpoints.Endpoints
	S3  *endpoints.Endpoints
}

// Endpoints returns the endpoint group of one service. Unknown services
// return an empty group.
func (r *Region) Endpoints(service endpoints.ServiceName) *endpoints.Endpoints {
	var group *endpoints.Endpoints
	switch service {
	case endpoints.ServiceUp:
		group = r.Up
	case endpoints.ServiceIo:
		group = r.Io
	case endpoints.ServiceUc:
		group = r.Uc
	case endpoints.ServiceRs:
		group = r.Rs
	case endpoints.ServiceRsf:
		group = r.Rsf
	case endpoints.ServiceAPI:
		group = r.API
	case endpoints.ServiceS3:
		group = r.S3
	}
	if group == nil {
		group = &endpoints.Endpoints{}
	}
	return group
}

// EndpointsFor merges the endpoint groups of several services in order.
func (r *Region) EndpointsFor(services ...endpoints.ServiceName) *endpoints.Endpoints {
	merged := &endpoints.Endpoints{}
	for _, service := range services {
		group := r.Endpoints(service)
		merged.Preferred = append(merged.Preferred, group.Preferred...)
		merged.Alternative = append(merged.Alternative, group.Alternative...)
	}
	return merged
}

// Valid reports whether the region's TTL has not run out. Regions without
// a creation time never expire, e.g. statically configured ones.
func (r *Region) Valid() bool {
	if r.CreatedAt.IsZero() {
		return true
	}
	return !r.CreatedAt.Add(r.TTL).Before(time.Now())
}

// RegionsProvider supplies the regions a bucket (or the whole account) can
// be served from, most preferred first.
type RegionsProvider interface {
	Regions(ctx context.Context) ([]*Region, error)
}

// StaticProvider serves a fixed region list.
type StaticProvider struct {
	regions []*Region
}

// NewStaticProvider makes a RegionsProvider over fixed regions.
func NewStaticProvider(regions ...*Region) *StaticProvider {
	return &StaticProvider{regions: regions}
}

// Regions implements RegionsProvider.
func (p *StaticProvider) Regions(ctx context.Context) ([]*Region, error) {
	return p.regions, nil
}

// EndpointsProvider adapts a RegionsProvider to the client's endpoints
// contract: the first region supplies the preferred endpoints and the
// remaining regions queue up as alternatives.
type EndpointsProvider struct {
	provider RegionsProvider
}

// NewEndpointsProvider adapts provider.
func NewEndpointsProvider(provider RegionsProvider) *EndpointsProvider {
	return &EndpointsProvider{provider: provider}
}

// Endpoints implements client.EndpointsProvider.
func (p *EndpointsProvider) Endpoints(ctx context.Context, services ...endpoints.ServiceName) (*endpoints.Endpoints, error) {
	regions, err := p.provider.Regions(ctx)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		return nil, &client.Error{Kind: client.KindNoRegionTried}
	}
	group := regions[0].EndpointsFor(services...).Clone()
	for _, r := range regions[1:] {
		more := r.EndpointsFor(services...)
		group.Alternative = append(group.Alternative, more.Preferred...)
		group.Alternative = append(group.Alternative, more.Alternative...)
	}
	return group, nil
}
