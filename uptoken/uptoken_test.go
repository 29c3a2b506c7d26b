package uptoken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/kodo/auth"
)

func TestPolicyScope(t *testing.T) {
	p := NewPolicy("bucket0", time.Hour)
	assert.Equal(t, "bucket0", p.Scope)
	assert.Equal(t, "bucket0", p.BucketName())
	_, ok := p.KeyName()
	assert.False(t, ok)

	p = NewPolicyForObject("bucket0", "key/with:colon", time.Hour)
	assert.Equal(t, "bucket0:key/with:colon", p.Scope)
	assert.Equal(t, "bucket0", p.BucketName())
	key, ok := p.KeyName()
	require.True(t, ok)
	assert.Equal(t, "key/with:colon", key)
}

func TestPolicyJSON(t *testing.T) {
	p := NewPolicyForObject("b", "k", time.Hour)
	p.FileType = FileTypeInfrequentAccess
	p.DeleteAfterDays = 7
	p.ReturnBody = `{"key":$(key)}`

	data, err := p.Marshal()
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "b:k", fields["scope"])
	assert.Equal(t, float64(1), fields["fileType"])
	assert.Equal(t, float64(7), fields["deleteAfterDays"])
	// zero valued optionals stay out of the document
	_, present := fields["insertOnly"]
	assert.False(t, present)

	parsed, err := UnmarshalPolicy(data)
	require.NoError(t, err)
	assert.Equal(t, p.Scope, parsed.Scope)
	assert.Equal(t, p.FileType, parsed.FileType)
}

func TestPolicyWithoutScope(t *testing.T) {
	_, err := (&Policy{}).Marshal()
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	cred := auth.New("ak", "sk")
	policy := NewPolicyForObject("bucket0", "key0", time.Hour)

	provider := NewFromPolicy(policy, cred)
	token, err := provider.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, ":"))

	parsed := NewStaticProvider(token)
	ak, err := parsed.AccessKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ak", ak)

	bucket, err := parsed.BucketName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bucket0", bucket)

	got, err := parsed.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, policy.Scope, got.Scope)
	assert.Equal(t, policy.Deadline, got.Deadline)

	// the token is the credential's signature over the encoded policy
	data, err := policy.Marshal()
	require.NoError(t, err)
	assert.Equal(t, cred.SignWithData(data), token)
}

func TestStaticProviderRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "nocolons", "a:b", "a:b:!!!not-base64!!!"} {
		_, err := NewStaticProvider(token).AccessKey(context.Background())
		assert.ErrorIs(t, err, ErrInvalidTokenFormat, "token %q", token)
	}
}

func TestStaticProviderStripsPrefix(t *testing.T) {
	cred := auth.New("ak", "sk")
	token, err := NewFromPolicy(NewPolicy("b", time.Hour), cred).Token(context.Background())
	require.NoError(t, err)

	got, err := NewStaticProvider("UpToken " + token).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestBucketProviderMintsFreshDeadlines(t *testing.T) {
	ctx := context.Background()
	cred := auth.New("ak", "sk")
	provider := NewBucketProvider("b", time.Hour, cred, func(p *Policy) {
		p.FileType = FileTypeArchive
	})

	policy, err := provider.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", policy.BucketName())
	assert.Equal(t, FileTypeArchive, policy.FileType)
	assert.False(t, policy.Expired(time.Now()))

	bucket, err := provider.BucketName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	cred := auth.New("ak", "sk")
	calls := 0
	base := &countingProvider{Provider: NewBucketProvider("b", time.Hour, cred, nil), calls: &calls}

	cached := NewCachedProvider(base, time.Minute)
	first, err := cached.Token(ctx)
	require.NoError(t, err)
	second, err := cached.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

type countingProvider struct {
	Provider
	calls *int
}

func (p *countingProvider) Token(ctx context.Context) (string, error) {
	*p.calls++
	return p.Provider.Token(ctx)
}

func TestFileTypeValues(t *testing.T) {
	data, err := json.Marshal(struct {
		T FileType `json:"t"`
	}{T: FileTypeDeepArchive})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":3}`, string(data))
}

func TestTokenBase64IsURLSafe(t *testing.T) {
	cred := auth.New("ak", "sk")
	policy := NewPolicyForObject("b", strings.Repeat("\xff?", 30), time.Hour)
	token, err := NewFromPolicy(policy, cred).Token(context.Background())
	require.NoError(t, err)
	parts := strings.SplitN(token, ":", 3)
	require.Len(t, parts, 3)
	_, err = base64.URLEncoding.DecodeString(parts[2])
	assert.NoError(t, err)
}
