package uploader

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rclone/kodo/lib/cachedir"
	"github.com/rclone/kodo/lib/log"
)

// RecordedPart is one completed part in a resumable record.
type RecordedPart struct {
	PartNumber int    `json:"part_number"`
	Etag       string `json:"etag"`
	Size       int64  `json:"size"`
	Offset     int64  `json:"offset"`
}

// Record is the persisted state of one in-progress multi-part upload.
type Record struct {
	// Version is the part protocol media version, 1 or 2.
	Version int `json:"version"`
	// UploadID is the server-issued upload handle (v2 only).
	UploadID string `json:"upload_id,omitempty"`
	// ExpiredAt is when the server forgets the upload, unix seconds.
	ExpiredAt int64 `json:"expired_at,omitempty"`
	// SourceKey and SourceSize pin the record to one source state.
	SourceKey  string `json:"source_key"`
	SourceSize int64  `json:"source_size"`
	// PartSize is the part size the upload started with; resumed uploads
	// keep it.
	PartSize int64 `json:"part_size,omitempty"`
	// UpEndpoints is stored and loaded with the record; the uploaders
	// neither fill nor read it, so resumed parts go to the endpoints of
	// the current upload.
	UpEndpoints []string `json:"up_endpoints,omitempty"`
	// Bucket and key bind the record to its destination.
	Bucket string `json:"bucket"`
	Key    string `json:"key,omitempty"`
	// Parts completed so far, append-only.
	Parts []RecordedPart `json:"-"`
}

// Expired reports whether the server-side upload is already gone.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiredAt != 0 && r.ExpiredAt <= now.Unix()
}

// HasPart returns the recorded part with the given number, if present.
func (r *Record) HasPart(number int) (RecordedPart, bool) {
	for _, p := range r.Parts {
		if p.PartNumber == number {
			return p, true
		}
	}
	return RecordedPart{}, false
}

// ResumableRecorder stores per-source upload records.
type ResumableRecorder interface {
	// Load returns the record for sourceKey, or nil when none exists.
	Load(sourceKey string, version int) (*Record, error)
	// Start writes a fresh record header, discarding any previous record
	// of the same version.
	Start(record *Record) error
	// AppendPart adds one completed part to the record.
	AppendPart(sourceKey string, version int, part RecordedPart) error
	// Delete erases the record for sourceKey.
	Delete(sourceKey string, version int) error
}

// FileRecorder keeps one record file per (source key, protocol version)
// under a directory: a JSON header line followed by one JSON line per
// completed part.
type FileRecorder struct {
	dir string
}

// NewFileRecorder makes a FileRecorder over dir, creating it if needed.
func NewFileRecorder(dir string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileRecorder{dir: dir}, nil
}

// NewDefaultRecorder places records in the SDK cache directory.
func NewDefaultRecorder() (*FileRecorder, error) {
	base, err := cachedir.Default()
	if err != nil {
		return nil, err
	}
	return NewFileRecorder(filepath.Join(base, "upload-records"))
}

func (r *FileRecorder) path(sourceKey string, version int) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.v%d", sourceKey, version))
}

// Load implements ResumableRecorder. A corrupt record reads as absent so
// the upload silently restarts from zero.
func (r *FileRecorder) Load(sourceKey string, version int) (*Record, error) {
	if sourceKey == "" {
		return nil, nil
	}
	f, err := os.Open(r.path(sourceKey, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return nil, nil
	}
	record := new(Record)
	if err := json.Unmarshal(scanner.Bytes(), record); err != nil {
		log.Debugf(nil, "upload record %s is corrupt, discarding: %v", sourceKey, err)
		_ = r.Delete(sourceKey, version)
		return nil, nil
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var part RecordedPart
		if err := json.Unmarshal(line, &part); err != nil {
			// A torn tail write after a crash; keep the complete parts.
			break
		}
		record.Parts = append(record.Parts, part)
	}
	return record, nil
}

// Start implements ResumableRecorder.
func (r *FileRecorder) Start(record *Record) error {
	if record.SourceKey == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(r.path(record.SourceKey, record.Version), data, 0600)
}

// AppendPart implements ResumableRecorder.
func (r *FileRecorder) AppendPart(sourceKey string, version int, part RecordedPart) error {
	if sourceKey == "" {
		return nil
	}
	f, err := os.OpenFile(r.path(sourceKey, version), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	data, err := json.Marshal(&part)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Delete implements ResumableRecorder.
func (r *FileRecorder) Delete(sourceKey string, version int) error {
	if sourceKey == "" {
		return nil
	}
	err := os.Remove(r.path(sourceKey, version))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// nopRecorder records nothing, for unresumable uploads.
type nopRecorder struct{}

func (nopRecorder) Load(string, int) (*Record, error)           { return nil, nil }
func (nopRecorder) Start(*Record) error                         { return nil }
func (nopRecorder) AppendPart(string, int, RecordedPart) error  { return nil }
func (nopRecorder) Delete(string, int) error                    { return nil }
