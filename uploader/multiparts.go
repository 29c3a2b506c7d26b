package uploader

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/lib/log"
	"github.com/rclone/kodo/uptoken"
)

// ObjectParams describes the object an upload creates.
type ObjectParams struct {
	// Key of the object; empty lets the upload policy's saveKey decide.
	Key string
	// HasKey must be set when an empty Key is meant literally.
	HasKey bool
	// FileName is the original file name reported to the server.
	FileName string
	// ContentType of the object; empty means sniffed / server default.
	ContentType string
	// Metadata is stored as x-qn-meta-* on the object.
	Metadata map[string]string
	// CustomVars fill the x:var placeholders of the upload policy.
	CustomVars map[string]string
	// OnProgress observes overall upload progress. totalSize is 0 when
	// unknown.
	OnProgress func(uploaded, totalSize uint64)
}

func (p *ObjectParams) hasKey() bool {
	return p.HasKey || p.Key != ""
}

// uploadedPart is one part confirmed by the server.
type uploadedPart struct {
	PartNumber int
	Etag       string
	Size       int64
	Offset     int64
	Resumed    bool
}

// initializedParts is the state shared by every part of one upload.
type initializedParts struct {
	record    *Record
	params    *ObjectParams
	endpoints client.EndpointsProvider
	// resumed maps part numbers to previously uploaded parts.
	resumed map[int]RecordedPart
	// fixedPartSize, when set, overrides the scheduler's part size: v1
	// uploads keep one size throughout, and resumed uploads keep the
	// recorded size.
	fixedPartSize int64
}

// multiPartsUploader is one part protocol version.
type multiPartsUploader interface {
	version() int
	// initParts starts (or resumes) an upload for src.
	initParts(ctx context.Context, src DataSource, params *ObjectParams, endpoints client.EndpointsProvider, partSize int64) (*initializedParts, error)
	// uploadPart sends one part.
	uploadPart(ctx context.Context, init *initializedParts, part *SourcePart) (*uploadedPart, error)
	// completeParts commits the object and decodes the server reply into
	// ret.
	completeParts(ctx context.Context, init *initializedParts, parts []*uploadedPart, ret interface{}) error
}

// uploaderBase carries what both protocol versions need.
type uploaderBase struct {
	cli      *client.Client
	token    uptoken.Provider
	recorder ResumableRecorder
}

func (u *uploaderBase) authorization() client.Authorization {
	return client.NewAuthorizationUpToken(u.token)
}

// loadRecord fetches and validates the resumable record for src, deleting
// it when the source changed underneath it.
func (u *uploaderBase) loadRecord(src DataSource, version int) *Record {
	sourceKey, err := src.SourceKey()
	if err != nil || sourceKey == "" {
		return nil
	}
	record, err := u.recorder.Load(sourceKey, version)
	if err != nil || record == nil {
		return nil
	}
	size, sizeKnown := src.TotalSize()
	if record.Expired(time.Now()) || record.SourceKey != sourceKey || (sizeKnown && record.SourceSize != size) {
		log.Debugf(nil, "upload record for %s is stale, discarding", sourceKey)
		_ = u.recorder.Delete(sourceKey, version)
		return nil
	}
	return record
}

// recordFor builds a fresh record header for src.
func (u *uploaderBase) recordFor(src DataSource, params *ObjectParams, bucket string, version int, partSize int64) *Record {
	sourceKey, err := src.SourceKey()
	if err != nil {
		sourceKey = ""
	}
	size, _ := src.TotalSize()
	return &Record{
		Version:    version,
		SourceKey:  sourceKey,
		SourceSize: size,
		PartSize:   partSize,
		Bucket:     bucket,
		Key:        params.Key,
	}
}

func resumedParts(record *Record) map[int]RecordedPart {
	if record == nil {
		return nil
	}
	resumed := make(map[int]RecordedPart, len(record.Parts))
	for _, part := range record.Parts {
		resumed[part.PartNumber] = part
	}
	return resumed
}

// dropRecordIfPermanent erases the record after a commit failure the
// server will never accept, e.g. a rejected etag set. Resumable causes
// keep the record so a later run can retry the commit.
func (u *uploaderBase) dropRecordIfPermanent(init *initializedParts, version int, err error) {
	cerr := client.AsError(err)
	if cerr.Kind == client.KindStatusCode && cerr.StatusCode >= 400 && cerr.StatusCode < 500 {
		_ = u.recorder.Delete(init.record.SourceKey, version)
	}
}

func encodeBase64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}
