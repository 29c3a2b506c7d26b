// Package uploader uploads objects: small ones in one form call, large
// ones as resumable multi-part uploads with serial or concurrent
// scheduling, progress recorded on disk so an interrupted upload resumes
// where it stopped.
package uploader

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrNotResettable is returned by Reset on sources that cannot seek.
var ErrNotResettable = errors.New("data source cannot be reset")

// SourcePart is one contiguous slice of a source.
type SourcePart struct {
	// PartNumber starts at 1.
	PartNumber int
	// Offset of the part in the source.
	Offset int64
	// Size of this part in bytes.
	Size int64
	// Reader over exactly Size bytes, rewindable for retries.
	Reader io.ReadSeeker
}

// DataSource hands out the parts of an upload in order.
type DataSource interface {
	// Slice returns the next part of up to partSize bytes, or nil at the
	// end of the source.
	Slice(partSize int64) (*SourcePart, error)
	// Reset rewinds the source to its start, when possible.
	Reset() error
	// SourceKey returns a stable hash identifying the source for the
	// resumable recorder, or "" when the source has no stable identity.
	SourceKey() (string, error)
	// TotalSize returns the source size when known up front.
	TotalSize() (int64, bool)
}

// FileSource is a seekable source over a file on disk.
type FileSource struct {
	file   *os.File
	path   string
	size   int64
	mtime  int64
	offset int64
	parts  int
}

// NewFileSource opens path as an upload source.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &FileSource{
		file:  f,
		path:  abs,
		size:  info.Size(),
		mtime: info.ModTime().UnixNano(),
	}, nil
}

// Slice implements DataSource.
func (s *FileSource) Slice(partSize int64) (*SourcePart, error) {
	if s.offset >= s.size {
		return nil, nil
	}
	size := partSize
	if remaining := s.size - s.offset; remaining < size {
		size = remaining
	}
	s.parts++
	part := &SourcePart{
		PartNumber: s.parts,
		Offset:     s.offset,
		Size:       size,
		Reader:     io.NewSectionReader(s.file, s.offset, size),
	}
	s.offset += size
	return part, nil
}

// Reset implements DataSource.
func (s *FileSource) Reset() error {
	s.offset = 0
	s.parts = 0
	return nil
}

// SourceKey implements DataSource: the hash covers path, size and
// modification time so an edited file never resumes a stale record.
func (s *FileSource) SourceKey() (string, error) {
	sum := sha1.Sum([]byte(s.path + "|" + strconv.FormatInt(s.size, 10) + "|" + strconv.FormatInt(s.mtime, 10)))
	return hex.EncodeToString(sum[:]), nil
}

// TotalSize implements DataSource.
func (s *FileSource) TotalSize() (int64, bool) {
	return s.size, true
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}

// String implements fmt.Stringer for logging.
func (s *FileSource) String() string {
	return fmt.Sprintf("file source %s", s.path)
}

// ReaderSource is an unseekable source over a plain reader. Each part is
// buffered in memory so individual part uploads can still be retried.
type ReaderSource struct {
	mu     sync.Mutex
	reader io.Reader
	offset int64
	parts  int
	eof    bool

	sourceKey string
	size      int64
	sizeKnown bool
}

// NewReaderSource wraps r. A non-empty sourceKey makes the upload
// resumable; size < 0 means unknown.
func NewReaderSource(r io.Reader, sourceKey string, size int64) *ReaderSource {
	return &ReaderSource{
		reader:    r,
		sourceKey: sourceKey,
		size:      size,
		sizeKnown: size >= 0,
	}
}

// Slice implements DataSource.
func (s *ReaderSource) Slice(partSize int64) (*SourcePart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return nil, nil
	}
	buf := make([]byte, partSize)
	n, err := io.ReadFull(s.reader, buf)
	switch {
	case err == io.EOF:
		s.eof = true
		return nil, nil
	case err == io.ErrUnexpectedEOF:
		s.eof = true
	case err != nil:
		return nil, err
	}
	s.parts++
	part := &SourcePart{
		PartNumber: s.parts,
		Offset:     s.offset,
		Size:       int64(n),
		Reader:     bytes.NewReader(buf[:n]),
	}
	s.offset += int64(n)
	return part, nil
}

// Reset implements DataSource.
func (s *ReaderSource) Reset() error {
	if seeker, ok := s.reader.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		s.mu.Lock()
		s.offset = 0
		s.parts = 0
		s.eof = false
		s.mu.Unlock()
		return nil
	}
	return ErrNotResettable
}

// SourceKey implements DataSource.
func (s *ReaderSource) SourceKey() (string, error) {
	return s.sourceKey, nil
}

// TotalSize implements DataSource.
func (s *ReaderSource) TotalSize() (int64, bool) {
	return s.size, s.sizeKnown
}
