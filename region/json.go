package region

import (
	"fmt"
	"time"

	"github.com/rclone/kodo/endpoints"
)

// Wire / cache representation of one region. The same shape is used by the
// bucket query API ("hosts") and the all-regions API ("regions"), and for
// the persisted cache entries.
type regionJSON struct {
	ID            string      `json:"region"`
	TTLSecs       int64       `json:"ttl,omitempty"`
	CreatedAt     time.Time   `json:"created_at,omitempty"`
	Up            domainsJSON `json:"up"`
	Io            domainsJSON `json:"io"`
	Uc            domainsJSON `json:"uc"`
	Rs            domainsJSON `json:"rs"`
	Rsf           domainsJSON `json:"rsf"`
	API           domainsJSON `json:"api"`
	S3            domainsJSON `json:"s3"`
	S3RegionAlias string      `json:"s3_region_alias,omitempty"`
}

type domainsJSON struct {
	Domains     []string `json:"domains"`
	Old         []string `json:"old,omitempty"`
	RegionAlias string   `json:"region_alias,omitempty"`
}

type queryResponseJSON struct {
	Hosts   []regionJSON `json:"hosts"`
	Regions []regionJSON `json:"regions"`
}

func (j *queryResponseJSON) regions() []regionJSON {
	if len(j.Hosts) > 0 {
		return j.Hosts
	}
	return j.Regions
}

func groupFromJSON(j domainsJSON) (*endpoints.Endpoints, error) {
	group := &endpoints.Endpoints{}
	for _, domain := range j.Domains {
		ep, err := endpoints.Parse(domain)
		if err != nil {
			return nil, err
		}
		group.Preferred = append(group.Preferred, ep)
	}
	for _, domain := range j.Old {
		ep, err := endpoints.Parse(domain)
		if err != nil {
			return nil, err
		}
		group.Alternative = append(group.Alternative, ep)
	}
	return group, nil
}

func groupToJSON(group *endpoints.Endpoints) domainsJSON {
	j := domainsJSON{Domains: []string{}}
	if group == nil {
		return j
	}
	for _, ep := range group.Preferred {
		j.Domains = append(j.Domains, ep.String())
	}
	for _, ep := range group.Alternative {
		j.Old = append(j.Old, ep.String())
	}
	return j
}

func regionFromJSON(j regionJSON) (*Region, error) {
	r := &Region{
		ID:            j.ID,
		S3RegionAlias: j.S3RegionAlias,
		TTL:           time.Duration(j.TTLSecs) * time.Second,
		CreatedAt:     j.CreatedAt,
	}
	if j.S3RegionAlias == "" {
		r.S3RegionAlias = j.S3.RegionAlias
	}
	if r.TTL <= 0 {
		r.TTL = DefaultTTL
	}
	var err error
	if r.Up, err = groupFromJSON(j.Up); err != nil {
		return nil, fmt.Errorf("region %q: up: %w", j.ID, err)
	}
	if r.Io, err = groupFromJSON(j.Io); err != nil {
		return nil, fmt.Errorf("region %q: io: %w", j.ID, err)
	}
	if r.Uc, err = groupFromJSON(j.Uc); err != nil {
		return nil, fmt.Errorf("region %q: uc: %w", j.ID, err)
	}
	if r.Rs, err = groupFromJSON(j.Rs); err != nil {
		return nil, fmt.Errorf("region %q: rs: %w", j.ID, err)
	}
	if r.Rsf, err = groupFromJSON(j.Rsf); err != nil {
		return nil, fmt.Errorf("region %q: rsf: %w", j.ID, err)
	}
	if r.API, err = groupFromJSON(j.API); err != nil {
		return nil, fmt.Errorf("region %q: api: %w", j.ID, err)
	}
	if r.S3, err = groupFromJSON(j.S3); err != nil {
		return nil, fmt.Errorf("region %q: s3: %w", j.ID, err)
	}
	return r, nil
}

func regionToJSON(r *Region) regionJSON {
	return regionJSON{
		ID:            r.ID,
		TTLSecs:       int64(r.TTL / time.Second),
		CreatedAt:     r.CreatedAt,
		S3RegionAlias: r.S3RegionAlias,
		Up:            groupToJSON(r.Up),
		Io:            groupToJSON(r.Io),
		Uc:            groupToJSON(r.Uc),
		Rs:            groupToJSON(r.Rs),
		Rsf:           groupToJSON(r.Rsf),
		API:           groupToJSON(r.API),
		S3:            groupToJSON(r.S3),
	}
}
