// Package etag computes the content hash used by the Kodo object store.
//
// Two algorithm versions exist. V1 splits the input into 4 MiB blocks,
// hashes each with SHA-1 and combines the block hashes. V2 works over a
// caller-supplied partitioning into blocks of arbitrary sizes, and degrades
// to V1 whenever every block happens to be exactly 4 MiB, so that both
// algorithms agree on streams uploaded with the default part size.
//
// The result is always 28 bytes of URL-safe base64.
package etag

import (
	"crypto/sha1"
	"encoding/base64"
	"io"
	"os"
)

// BlockSize is the fixed V1 block size.
const BlockSize = 1 << 22

// V1 is an incremental Etag V1 calculator. The zero value is ready to use.
type V1 struct {
	buffer []byte
	sha1s  [][]byte
}

// NewV1 makes a new Etag V1 calculator.
func NewV1() *V1 {
	return &V1{}
}

// Write feeds data into the calculator. It never fails.
func (e *V1) Write(p []byte) (int, error) {
	e.buffer = append(e.buffer, p...)
	for len(e.buffer) >= BlockSize {
		sum := sha1.Sum(e.buffer[:BlockSize])
		e.sha1s = append(e.sha1s, sum[:])
		e.buffer = e.buffer[BlockSize:]
	}
	return len(p), nil
}

// Reset restores the calculator to its initial state.
func (e *V1) Reset() {
	e.buffer = nil
	e.sha1s = nil
}

// finish hashes any buffered partial block.
func (e *V1) finish() {
	if len(e.buffer) > 0 {
		sum := sha1.Sum(e.buffer)
		e.sha1s = append(e.sha1s, sum[:])
		e.buffer = nil
	}
}

// combine merges per-block SHA-1s into the 21 prefixed digest bytes.
func combine(sha1s [][]byte) []byte {
	out := make([]byte, 0, 21)
	switch len(sha1s) {
	case 0:
		sum := sha1.Sum(nil)
		out = append(out, 0x16)
		out = append(out, sum[:]...)
	case 1:
		out = append(out, 0x16)
		out = append(out, sha1s[0]...)
	default:
		h := sha1.New()
		for _, s := range sha1s {
			h.Write(s)
		}
		out = append(out, 0x96)
		out = h.Sum(out)
	}
	return out
}

// Sum finalizes the calculation and returns the etag.
func (e *V1) Sum() string {
	e.finish()
	return base64.URLEncoding.EncodeToString(combine(e.sha1s))
}

// V2 is an incremental Etag V2 calculator. Each call to WriteBlock supplies
// one complete block of the partitioning.
type V2 struct {
	buffer      []byte
	fallback    *V1
	nonDefBlock bool
}

// NewV2 makes a new Etag V2 calculator.
func NewV2() *V2 {
	return &V2{fallback: NewV1()}
}

// WriteBlock feeds one complete block into the calculator.
func (e *V2) WriteBlock(block []byte) {
	if e.nonDefBlock {
		e.fallback = nil
	}
	if e.fallback != nil {
		_, _ = e.fallback.Write(block)
	}
	if len(block) != BlockSize {
		e.nonDefBlock = true
	}
	// The per-block digest is the block's V1 digest without the prefix byte.
	var partial V1
	_, _ = partial.Write(block)
	partial.finish()
	e.buffer = append(e.buffer, combine(partial.sha1s)[1:]...)
}

// Reset restores the calculator to its initial state.
func (e *V2) Reset() {
	e.buffer = nil
	e.fallback = NewV1()
	e.nonDefBlock = false
}

// Sum finalizes the calculation and returns the etag.
func (e *V2) Sum() string {
	if e.fallback != nil {
		return e.fallback.Sum()
	}
	sum := sha1.Sum(e.buffer)
	out := make([]byte, 0, 21)
	out = append(out, 0x9e)
	out = append(out, sum[:]...)
	return base64.URLEncoding.EncodeToString(out)
}

// FromReader computes the V1 etag of everything readable from r.
func FromReader(r io.Reader) (string, error) {
	e := NewV1()
	if _, err := io.Copy(e, r); err != nil {
		return "", err
	}
	return e.Sum(), nil
}

// FromFile computes the V1 etag of the file at path.
func FromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return FromReader(f)
}

// FromBlocks computes the V2 etag of a pre-partitioned sequence of block
// sizes read from r. sizes must cover the whole stream.
func FromBlocks(r io.Reader, sizes []int64) (string, error) {
	e := NewV2()
	for _, size := range sizes {
		block := make([]byte, size)
		if _, err := io.ReadFull(r, block); err != nil {
			return "", err
		}
		e.WriteBlock(block)
	}
	return e.Sum(), nil
}
