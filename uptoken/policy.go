// Package uptoken builds upload policies and turns them into upload tokens.
//
// A policy is a JSON document scoping what an upload token may do; a token
// is the policy plus its HMAC, serialized as
// "<ak>:<sig>:<base64url(policy)>". Provider abstracts how
// tokens are obtained so that callers can plug in remote issuers.
package uptoken

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultTokenTTL is how long minted upload tokens stay valid.
const DefaultTokenTTL = time.Hour

// FileType is the storage class of an uploaded object.
type FileType uint8

// Storage classes understood by the server. Values outside this list are
// passed through untouched.
const (
	FileTypeStandard FileType = iota
	FileTypeInfrequentAccess
	FileTypeArchive
	FileTypeDeepArchive
)

// Policy is an upload policy document. Build one with NewPolicy /
// NewPolicyForObject and treat it as immutable afterwards.
type Policy struct {
	Scope               string   `json:"scope"`
	Deadline            int64    `json:"deadline"`
	IsPrefixalScope     int      `json:"isPrefixalScope,omitempty"`
	InsertOnly          int      `json:"insertOnly,omitempty"`
	EndUser             string   `json:"endUser,omitempty"`
	ReturnURL           string   `json:"returnUrl,omitempty"`
	ReturnBody          string   `json:"returnBody,omitempty"`
	CallbackURL         string   `json:"callbackUrl,omitempty"`
	CallbackHost        string   `json:"callbackHost,omitempty"`
	CallbackBody        string   `json:"callbackBody,omitempty"`
	CallbackBodyType    string   `json:"callbackBodyType,omitempty"`
	PersistentOps       string   `json:"persistentOps,omitempty"`
	PersistentNotifyURL string   `json:"persistentNotifyUrl,omitempty"`
	PersistentPipeline  string   `json:"persistentPipeline,omitempty"`
	SaveKey             string   `json:"saveKey,omitempty"`
	ForceSaveKey        bool     `json:"forceSaveKey,omitempty"`
	FsizeMin            int64    `json:"fsizeMin,omitempty"`
	FsizeLimit          int64    `json:"fsizeLimit,omitempty"`
	DetectMime          int      `json:"detectMime,omitempty"`
	MimeLimit           string   `json:"mimeLimit,omitempty"`
	FileType            FileType `json:"fileType,omitempty"`
	DeleteAfterDays     int      `json:"deleteAfterDays,omitempty"`
}

// NewPolicy makes a policy scoped to a whole bucket, expiring after ttl.
func NewPolicy(bucket string, ttl time.Duration) *Policy {
	return &Policy{
		Scope:    bucket,
		Deadline: time.Now().Add(ttl).Unix(),
	}
}

// NewPolicyForObject makes a policy scoped to a single object, expiring
// after ttl.
func NewPolicyForObject(bucket, key string, ttl time.Duration) *Policy {
	p := NewPolicy(bucket, ttl)
	p.Scope = bucket + ":" + key
	return p
}

// BucketName returns the bucket the policy is scoped to.
func (p *Policy) BucketName() string {
	bucket, _, _ := strings.Cut(p.Scope, ":")
	return bucket
}

// KeyName returns the object key the policy is scoped to, if any.
func (p *Policy) KeyName() (key string, ok bool) {
	_, key, ok = strings.Cut(p.Scope, ":")
	return key, ok
}

// Expired reports whether the policy deadline has passed.
func (p *Policy) Expired(now time.Time) bool {
	return p.Deadline <= now.Unix()
}

// Marshal renders the policy as its canonical JSON document.
func (p *Policy) Marshal() ([]byte, error) {
	if p.Scope == "" {
		return nil, fmt.Errorf("upload policy has no scope")
	}
	return json.Marshal(p)
}

// UnmarshalPolicy parses a policy JSON document.
func UnmarshalPolicy(data []byte) (*Policy, error) {
	p := new(Policy)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse upload policy: %w", err)
	}
	return p, nil
}
