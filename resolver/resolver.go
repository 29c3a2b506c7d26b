// Package resolver maps domain names to the IP addresses the client will
// dial. Resolvers compose: the direct system resolver can be wrapped with
// shuffling, caching, chaining and timeouts.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// Answers is the result of one resolution.
type Answers struct {
	IPs []net.IP
}

// Clone returns a copy whose IP slice is safe to permute.
func (a *Answers) Clone() *Answers {
	return &Answers{IPs: append([]net.IP(nil), a.IPs...)}
}

// Resolver resolves a domain to an ordered list of IPs.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (*Answers, error)
}

// Error wraps the cause of a failed resolution.
type Error struct {
	Domain string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Domain, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether the failure was a definite not-found answer
// rather than a DNS server problem.
func (e *Error) IsNotFound() bool {
	var dnsErr *net.DNSError
	if ok := asDNSError(e.Cause, &dnsErr); ok {
		return dnsErr.IsNotFound
	}
	return false
}

func asDNSError(err error, target **net.DNSError) bool {
	for err != nil {
		if d, ok := err.(*net.DNSError); ok {
			*target = d
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Direct resolves through the system resolver.
type Direct struct {
	resolver *net.Resolver
}

// NewDirect makes a Direct resolver. A nil res uses net.DefaultResolver.
func NewDirect(res *net.Resolver) *Direct {
	if res == nil {
		res = net.DefaultResolver
	}
	return &Direct{resolver: res}
}

// Resolve implements Resolver.
func (d *Direct) Resolve(ctx context.Context, domain string) (*Answers, error) {
	addrs, err := d.resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return nil, &Error{Domain: domain, Cause: err}
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return &Answers{IPs: ips}, nil
}

// Shuffled permutes the answers of a base resolver uniformly at random so
// repeated calls spread load over the answer set.
type Shuffled struct {
	base Resolver
}

// NewShuffled wraps base with shuffling.
func NewShuffled(base Resolver) *Shuffled {
	return &Shuffled{base: base}
}

// Resolve implements Resolver.
func (s *Shuffled) Resolve(ctx context.Context, domain string) (*Answers, error) {
	answers, err := s.base.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}
	shuffled := answers.Clone()
	rand.Shuffle(len(shuffled.IPs), func(i, j int) {
		shuffled.IPs[i], shuffled.IPs[j] = shuffled.IPs[j], shuffled.IPs[i]
	})
	return shuffled, nil
}

// Chained tries resolvers in order until one returns a non-empty answer.
// The last failure propagates when all of them fail.
type Chained struct {
	resolvers []Resolver
}

// NewChained makes a Chained resolver over the given resolvers.
func NewChained(resolvers ...Resolver) *Chained {
	return &Chained{resolvers: resolvers}
}

// Resolve implements Resolver.
func (c *Chained) Resolve(ctx context.Context, domain string) (*Answers, error) {
	var lastErr error
	for _, r := range c.resolvers {
		answers, err := r.Resolve(ctx, domain)
		if err == nil && len(answers.IPs) > 0 {
			return answers, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = &Error{Domain: domain, Cause: fmt.Errorf("no resolver returned answers")}
	}
	return nil, lastErr
}

// Timeout fails a base resolution that takes longer than the bound.
type Timeout struct {
	base    Resolver
	timeout time.Duration
}

// NewTimeout wraps base with a resolution deadline.
func NewTimeout(base Resolver, timeout time.Duration) *Timeout {
	return &Timeout{base: base, timeout: timeout}
}

// Resolve implements Resolver.
func (t *Timeout) Resolve(ctx context.Context, domain string) (*Answers, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	answers, err := t.base.Resolve(ctx, domain)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Domain: domain, Cause: fmt.Errorf("resolution timed out after %v: %w", t.timeout, err)}
	}
	return answers, err
}
