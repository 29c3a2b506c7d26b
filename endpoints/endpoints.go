// Package endpoints models the callable service addresses of the store: a
// single Endpoint (domain or literal IP, with an optional port) and ordered
// groups of preferred and alternative endpoints.
package endpoints

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServiceName identifies one of the service families a region exposes.
type ServiceName string

// The service families of a region.
const (
	ServiceUp  ServiceName = "up"
	ServiceIo  ServiceName = "io"
	ServiceUc  ServiceName = "uc"
	ServiceRs  ServiceName = "rs"
	ServiceRsf ServiceName = "rsf"
	ServiceAPI ServiceName = "api"
	ServiceS3  ServiceName = "s3"
)

// AllServices lists every service family in canonical order.
var AllServices = []ServiceName{ServiceUp, ServiceIo, ServiceUc, ServiceRs, ServiceRsf, ServiceAPI, ServiceS3}

// Endpoint is a single callable address: a domain name or a literal IPv4 /
// IPv6 address, optionally with a port.
type Endpoint struct {
	Host string
	Port int // 0 means the scheme default
}

// NewEndpoint makes an Endpoint from a bare host.
func NewEndpoint(host string) Endpoint {
	return Endpoint{Host: host}
}

// Parse parses "host[:port]" into an Endpoint. IPv6 literals with a port
// must be bracketed.
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port part. Reject stray colons that are not an IPv6 literal.
		if strings.Contains(s, ":") && net.ParseIP(strings.Trim(s, "[]")) == nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q", s)
		}
		return Endpoint{Host: strings.Trim(s, "[]")}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// MustParse is Parse, panicking on error. For tests and tables of known
// good endpoints.
func MustParse(s string) Endpoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// IsEmpty reports whether the endpoint has no host.
func (e Endpoint) IsEmpty() bool {
	return e.Host == ""
}

// IP returns the literal IP of the endpoint, or nil for a domain.
func (e Endpoint) IP() net.IP {
	return net.ParseIP(e.Host)
}

// IsIP reports whether the endpoint is a literal IP address.
func (e Endpoint) IsIP() bool {
	return e.IP() != nil
}

// String renders the canonical "host[:port]" form.
func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Host
	}
	if ip := e.IP(); ip != nil && ip.To4() == nil {
		return "[" + e.Host + "]:" + strconv.Itoa(e.Port)
	}
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// HostPort renders "host:port" using def when no port is set.
func (e Endpoint) HostPort(def int) string {
	port := e.Port
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// Endpoints is an ordered group of preferred endpoints with ordered
// alternatives reserved for retry.
type Endpoints struct {
	Preferred   []Endpoint
	Alternative []Endpoint
}

// NewEndpoints makes an Endpoints group of preferred endpoints only.
func NewEndpoints(preferred ...Endpoint) *Endpoints {
	return &Endpoints{Preferred: preferred}
}

// IsEmpty reports whether the group holds no endpoint at all.
func (e *Endpoints) IsEmpty() bool {
	return e == nil || (len(e.Preferred) == 0 && len(e.Alternative) == 0)
}

// Len returns the total number of endpoints in the group.
func (e *Endpoints) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Preferred) + len(e.Alternative)
}

// Clone returns a deep copy of the group.
func (e *Endpoints) Clone() *Endpoints {
	if e == nil {
		return nil
	}
	out := &Endpoints{
		Preferred:   append([]Endpoint(nil), e.Preferred...),
		Alternative: append([]Endpoint(nil), e.Alternative...),
	}
	return out
}

// Md5 returns the hex md5 fingerprint of the group, stable under the
// source ordering. It keys the on-disk region caches.
func (e *Endpoints) Md5() string {
	h := md5.New()
	for _, ep := range e.Preferred {
		h.Write([]byte(ep.String()))
		h.Write([]byte{0})
	}
	h.Write([]byte{0xff})
	for _, ep := range e.Alternative {
		h.Write([]byte(ep.String()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SameUpstream reports whether other addresses the same upstream: every
// endpoint of one group occurs somewhere in the other, ignoring the
// preferred / alternative split and ordering.
func (e *Endpoints) SameUpstream(other *Endpoints) bool {
	if e.IsEmpty() || other.IsEmpty() {
		return e.IsEmpty() == other.IsEmpty()
	}
	set := make(map[Endpoint]struct{}, e.Len())
	for _, ep := range e.Preferred {
		set[ep] = struct{}{}
	}
	for _, ep := range e.Alternative {
		set[ep] = struct{}{}
	}
	for _, ep := range other.Preferred {
		if _, ok := set[ep]; !ok {
			return false
		}
	}
	for _, ep := range other.Alternative {
		if _, ok := set[ep]; !ok {
			return false
		}
	}
	return true
}
