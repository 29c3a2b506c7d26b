// Package objects manages stored objects: stat, copy, move, delete and
// friends, batched operations over RPC, and paginated listing with both a
// blocking iterator and a channel-based stream.
package objects

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/region"
	"github.com/rclone/kodo/uptoken"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Credentials sign every call. Required.
	Credentials auth.CredentialProvider
	// Client drives the calls; nil makes a stock client.
	Client *client.Client
	// Regions serves endpoints statically; when nil, Queryer discovers
	// them per bucket.
	Regions region.RegionsProvider
	// Queryer discovers bucket regions. Required when Regions is nil.
	Queryer *region.BucketQueryer
	// BatchLimit caps operations per batch call. Defaults to 1000.
	BatchLimit int
}

// Manager runs object operations for an account.
type Manager struct {
	opts ManagerOptions
	cli  *client.Client
}

// NewManager makes a Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 1000
	}
	cli := opts.Client
	if cli == nil {
		cli = client.New(client.Options{})
	}
	return &Manager{opts: opts, cli: cli}
}

// Bucket returns a handle on one bucket. The handle borrows the manager
// and must not outlive it.
func (m *Manager) Bucket(name string) *Bucket {
	return &Bucket{name: name, manager: m}
}

// endpointsFor picks the endpoints provider serving bucket.
func (m *Manager) endpointsFor(ctx context.Context, bucket string) (client.EndpointsProvider, error) {
	if m.opts.Regions != nil {
		return region.NewEndpointsProvider(m.opts.Regions), nil
	}
	if m.opts.Queryer == nil {
		return nil, &client.Error{Kind: client.KindNoRegionTried, Cause: fmt.Errorf("neither regions nor queryer configured")}
	}
	cred, err := m.opts.Credentials.Get(ctx)
	if err != nil {
		return nil, &client.Error{Kind: client.KindCredentialFetch, Cause: err}
	}
	return region.NewEndpointsProvider(m.opts.Queryer.Query(cred.AccessKey, bucket)), nil
}

// Bucket is a handle on one bucket of a Manager.
type Bucket struct {
	name    string
	manager *Manager
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// String implements fmt.Stringer for logging.
func (b *Bucket) String() string {
	return "bucket " + b.name
}

// Entry identifies one object for an operation.
type Entry struct {
	Bucket string
	Key    string
}

// encode renders the URL-safe entry form.
func (e Entry) encode() string {
	return base64.URLEncoding.EncodeToString([]byte(e.Bucket + ":" + e.Key))
}

// ObjectInfo is the metadata of a stored object. PutTime counts 100ns
// ticks since the epoch.
type ObjectInfo struct {
	Fsize    int64             `json:"fsize"`
	Hash     string            `json:"hash"`
	MimeType string            `json:"mimeType"`
	PutTime  int64             `json:"putTime"`
	Type     int               `json:"type"`
	Status   int               `json:"status"`
	EndUser  string            `json:"endUser,omitempty"`
	Expires  int64             `json:"expiration,omitempty"`
	Metadata map[string]string `json:"x-qn-meta,omitempty"`
}

// rsCall runs one rs-service operation for the bucket.
func (b *Bucket) rsCall(ctx context.Context, op string, ret interface{}) error {
	provider, err := b.manager.endpointsFor(ctx, b.name)
	if err != nil {
		return err
	}
	req := &client.Request{
		Method:        http.MethodPost,
		Path:          "/" + op,
		Services:      []endpoints.ServiceName{endpoints.ServiceRs},
		Endpoints:     provider,
		Authorization: client.NewAuthorizationV2(b.manager.opts.Credentials),
		Idempotency:   client.IdempotencyDefault,
	}
	if ret == nil {
		return b.manager.cli.Call(ctx, req)
	}
	return b.manager.cli.CallJSON(ctx, req, ret)
}

// Stat returns the metadata of one object.
func (b *Bucket) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info := new(ObjectInfo)
	op := statOp(Entry{Bucket: b.name, Key: key})
	if err := b.rsCall(ctx, op, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Delete removes one object.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.rsCall(ctx, deleteOp(Entry{Bucket: b.name, Key: key}), nil)
}

// Copy copies an object to destBucket/destKey, overwriting when force is
// set.
func (b *Bucket) Copy(ctx context.Context, key, destBucket, destKey string, force bool) error {
	op := copyOp(Entry{Bucket: b.name, Key: key}, Entry{Bucket: destBucket, Key: destKey}, force)
	return b.rsCall(ctx, op, nil)
}

// Move renames an object into destBucket/destKey, overwriting when force
// is set.
func (b *Bucket) Move(ctx context.Context, key, destBucket, destKey string, force bool) error {
	op := moveOp(Entry{Bucket: b.name, Key: key}, Entry{Bucket: destBucket, Key: destKey}, force)
	return b.rsCall(ctx, op, nil)
}

// ChangeType switches the storage class of an object.
func (b *Bucket) ChangeType(ctx context.Context, key string, fileType uptoken.FileType) error {
	return b.rsCall(ctx, chtypeOp(Entry{Bucket: b.name, Key: key}, fileType), nil)
}

// ChangeStatus enables (false) or disables (true) an object.
func (b *Bucket) ChangeStatus(ctx context.Context, key string, disabled bool) error {
	return b.rsCall(ctx, chstatusOp(Entry{Bucket: b.name, Key: key}, disabled), nil)
}

// SetLifetime schedules an object for deletion after the given number of
// days; zero cancels the schedule.
func (b *Bucket) SetLifetime(ctx context.Context, key string, days int) error {
	return b.rsCall(ctx, deleteAfterDaysOp(Entry{Bucket: b.name, Key: key}, days), nil)
}

// ChangeMime replaces the stored MIME type of an object.
func (b *Bucket) ChangeMime(ctx context.Context, key, mimeType string) error {
	return b.rsCall(ctx, chgmOp(Entry{Bucket: b.name, Key: key}, mimeType, nil), nil)
}

// ChangeMeta replaces the user metadata of an object.
func (b *Bucket) ChangeMeta(ctx context.Context, key string, metadata map[string]string) error {
	return b.rsCall(ctx, chgmOp(Entry{Bucket: b.name, Key: key}, "", metadata), nil)
}

// RestoreArchive thaws an archived object for freezeAfterDays days.
func (b *Bucket) RestoreArchive(ctx context.Context, key string, freezeAfterDays int) error {
	return b.rsCall(ctx, restoreArOp(Entry{Bucket: b.name, Key: key}, freezeAfterDays), nil)
}

// The operation encodings shared by single calls and batches.

func statOp(e Entry) string {
	return "stat/" + e.encode()
}

func deleteOp(e Entry) string {
	return "delete/" + e.encode()
}

func copyOp(src, dst Entry, force bool) string {
	return "copy/" + src.encode() + "/" + dst.encode() + "/force/" + strconv.FormatBool(force)
}

func moveOp(src, dst Entry, force bool) string {
	return "move/" + src.encode() + "/" + dst.encode() + "/force/" + strconv.FormatBool(force)
}

func chtypeOp(e Entry, fileType uptoken.FileType) string {
	return "chtype/" + e.encode() + "/type/" + strconv.Itoa(int(fileType))
}

func chstatusOp(e Entry, disabled bool) string {
	status := 0
	if disabled {
		status = 1
	}
	return "chstatus/" + e.encode() + "/status/" + strconv.Itoa(status)
}

func deleteAfterDaysOp(e Entry, days int) string {
	return "deleteAfterDays/" + e.encode() + "/" + strconv.Itoa(days)
}

func chgmOp(e Entry, mimeType string, metadata map[string]string) string {
	op := "chgm/" + e.encode()
	if mimeType != "" {
		op += "/mime/" + base64.URLEncoding.EncodeToString([]byte(mimeType))
	}
	for name, value := range metadata {
		op += "/x-qn-meta-" + name + "/" + base64.URLEncoding.EncodeToString([]byte(value))
	}
	return op
}

func restoreArOp(e Entry, freezeAfterDays int) string {
	return "restoreAr/" + e.encode() + "/freezeAfterDays/" + strconv.Itoa(freezeAfterDays)
}
