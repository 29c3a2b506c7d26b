package uptoken

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rclone/kodo/auth"
)

// ErrInvalidTokenFormat is wrapped by parse failures of a token string.
var ErrInvalidTokenFormat = fmt.Errorf("invalid upload token format")

// Provider supplies upload tokens and the views parsed out of them.
type Provider interface {
	// AccessKey returns the access key the token is signed with.
	AccessKey(ctx context.Context) (string, error)
	// Policy returns the policy carried by the token.
	Policy(ctx context.Context) (*Policy, error)
	// BucketName returns the bucket the token is scoped to.
	BucketName(ctx context.Context) (string, error)
	// Token returns the canonical token string.
	Token(ctx context.Context) (string, error)
}

// StaticProvider wraps a ready-made token string issued elsewhere.
type StaticProvider struct {
	token string
}

// NewStaticProvider makes a Provider from a token string.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: strings.TrimPrefix(token, "UpToken ")}
}

func (p *StaticProvider) parse() (ak string, policy *Policy, err error) {
	parts := strings.SplitN(p.token, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidTokenFormat, p.token)
	}
	raw, err := base64.URLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidTokenFormat, err)
	}
	policy, err = UnmarshalPolicy(raw)
	if err != nil {
		return "", nil, err
	}
	return parts[0], policy, nil
}

// AccessKey implements Provider.
func (p *StaticProvider) AccessKey(ctx context.Context) (string, error) {
	ak, _, err := p.parse()
	return ak, err
}

// Policy implements Provider.
func (p *StaticProvider) Policy(ctx context.Context) (*Policy, error) {
	_, policy, err := p.parse()
	return policy, err
}

// BucketName implements Provider.
func (p *StaticProvider) BucketName(ctx context.Context) (string, error) {
	policy, err := p.Policy(ctx)
	if err != nil {
		return "", err
	}
	return policy.BucketName(), nil
}

// Token implements Provider.
func (p *StaticProvider) Token(ctx context.Context) (string, error) {
	return p.token, nil
}

// FromPolicy signs a fixed policy with a credential provider.
type FromPolicy struct {
	policy     *Policy
	credential auth.CredentialProvider
}

// NewFromPolicy makes a Provider that signs policy with credentials from cp.
func NewFromPolicy(policy *Policy, cp auth.CredentialProvider) *FromPolicy {
	return &FromPolicy{policy: policy, credential: cp}
}

// AccessKey implements Provider.
func (p *FromPolicy) AccessKey(ctx context.Context) (string, error) {
	cred, err := p.credential.Get(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessKey, nil
}

// Policy implements Provider.
func (p *FromPolicy) Policy(ctx context.Context) (*Policy, error) {
	return p.policy, nil
}

// BucketName implements Provider.
func (p *FromPolicy) BucketName(ctx context.Context) (string, error) {
	return p.policy.BucketName(), nil
}

// Token implements Provider.
func (p *FromPolicy) Token(ctx context.Context) (string, error) {
	cred, err := p.credential.Get(ctx)
	if err != nil {
		return "", err
	}
	data, err := p.policy.Marshal()
	if err != nil {
		return "", err
	}
	return cred.SignWithData(data), nil
}

// BucketProvider mints a fresh bucket-scoped token per call so the deadline
// never goes stale.
type BucketProvider struct {
	bucket     string
	ttl        time.Duration
	credential auth.CredentialProvider
	onPolicy   func(*Policy)
}

// NewBucketProvider makes a Provider minting bucket-scoped tokens valid for
// ttl. onPolicy, if not nil, may customize each minted policy.
func NewBucketProvider(bucket string, ttl time.Duration, cp auth.CredentialProvider, onPolicy func(*Policy)) *BucketProvider {
	return &BucketProvider{bucket: bucket, ttl: ttl, credential: cp, onPolicy: onPolicy}
}

func (p *BucketProvider) mint() *Policy {
	policy := NewPolicy(p.bucket, p.ttl)
	if p.onPolicy != nil {
		p.onPolicy(policy)
	}
	return policy
}

// AccessKey implements Provider.
func (p *BucketProvider) AccessKey(ctx context.Context) (string, error) {
	cred, err := p.credential.Get(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessKey, nil
}

// Policy implements Provider.
func (p *BucketProvider) Policy(ctx context.Context) (*Policy, error) {
	return p.mint(), nil
}

// BucketName implements Provider.
func (p *BucketProvider) BucketName(ctx context.Context) (string, error) {
	return p.bucket, nil
}

// Token implements Provider.
func (p *BucketProvider) Token(ctx context.Context) (string, error) {
	return NewFromPolicy(p.mint(), p.credential).Token(ctx)
}

// ObjectProvider mints object-scoped tokens per call.
type ObjectProvider struct {
	bucket     string
	key        string
	ttl        time.Duration
	credential auth.CredentialProvider
	onPolicy   func(*Policy)
}

// NewObjectProvider makes a Provider minting tokens scoped to one object.
func NewObjectProvider(bucket, key string, ttl time.Duration, cp auth.CredentialProvider, onPolicy func(*Policy)) *ObjectProvider {
	return &ObjectProvider{bucket: bucket, key: key, ttl: ttl, credential: cp, onPolicy: onPolicy}
}

func (p *ObjectProvider) mint() *Policy {
	policy := NewPolicyForObject(p.bucket, p.key, p.ttl)
	if p.onPolicy != nil {
		p.onPolicy(policy)
	}
	return policy
}

// AccessKey implements Provider.
func (p *ObjectProvider) AccessKey(ctx context.Context) (string, error) {
	cred, err := p.credential.Get(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessKey, nil
}

// Policy implements Provider.
func (p *ObjectProvider) Policy(ctx context.Context) (*Policy, error) {
	return p.mint(), nil
}

// BucketName implements Provider.
func (p *ObjectProvider) BucketName(ctx context.Context) (string, error) {
	return p.bucket, nil
}

// Token implements Provider.
func (p *ObjectProvider) Token(ctx context.Context) (string, error) {
	return NewFromPolicy(p.mint(), p.credential).Token(ctx)
}

// CachedProvider caches the token string from a base provider until shortly
// before its policy deadline.
type CachedProvider struct {
	base   Provider
	window time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewCachedProvider wraps base, refreshing the cached token window before
// the policy deadline. A zero window defaults to two minutes.
func NewCachedProvider(base Provider, window time.Duration) *CachedProvider {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &CachedProvider{base: base, window: window}
}

// AccessKey implements Provider.
func (p *CachedProvider) AccessKey(ctx context.Context) (string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	return NewStaticProvider(token).AccessKey(ctx)
}

// Policy implements Provider.
func (p *CachedProvider) Policy(ctx context.Context) (*Policy, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	return NewStaticProvider(token).Policy(ctx)
}

// BucketName implements Provider.
func (p *CachedProvider) BucketName(ctx context.Context) (string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	return NewStaticProvider(token).BucketName(ctx)
}

// Token implements Provider.
func (p *CachedProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.expires) {
		return p.token, nil
	}
	token, err := p.base.Token(ctx)
	if err != nil {
		return "", err
	}
	policy, err := NewStaticProvider(token).Policy(ctx)
	if err != nil {
		return "", err
	}
	p.token = token
	p.expires = time.Unix(policy.Deadline, 0).Add(-p.window)
	return token, nil
}
