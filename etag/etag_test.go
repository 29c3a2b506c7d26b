package etag

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deterministic test data
func testData(n int) []byte {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	_, _ = r.Read(data)
	return data
}

func TestV1Empty(t *testing.T) {
	e := NewV1()
	assert.Equal(t, "Fto5o-5ea0sNMlW_75VgGJCv2AcJ", e.Sum())
}

func TestV1SingleBlock(t *testing.T) {
	data := testData(1024)
	sum := sha1.Sum(data)
	want := base64.URLEncoding.EncodeToString(append([]byte{0x16}, sum[:]...))

	e := NewV1()
	_, err := e.Write(data)
	require.NoError(t, err)
	assert.Equal(t, want, e.Sum())
	assert.Len(t, e.Sum(), 28)
}

func TestV1MultiBlock(t *testing.T) {
	data := testData(BlockSize + 1024)
	sum1 := sha1.Sum(data[:BlockSize])
	sum2 := sha1.Sum(data[BlockSize:])
	h := sha1.New()
	h.Write(sum1[:])
	h.Write(sum2[:])
	want := base64.URLEncoding.EncodeToString(append([]byte{0x96}, h.Sum(nil)...))

	e := NewV1()
	_, err := e.Write(data)
	require.NoError(t, err)
	assert.Equal(t, want, e.Sum())
}

func TestV1ChunkedWritesMatchOneShot(t *testing.T) {
	data := testData(2*BlockSize + 12345)

	oneShot := NewV1()
	_, _ = oneShot.Write(data)

	chunked := NewV1()
	for len(data) > 0 {
		n := 7777
		if n > len(data) {
			n = len(data)
		}
		_, _ = chunked.Write(data[:n])
		data = data[n:]
	}
	assert.Equal(t, oneShot.Sum(), chunked.Sum())
}

func TestV1FromReader(t *testing.T) {
	data := testData(BlockSize * 3)
	direct := NewV1()
	_, _ = direct.Write(data)

	got, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, direct.Sum(), got)
}

func TestV2DefaultBlocksFallBackToV1(t *testing.T) {
	data := testData(BlockSize * 3)
	v1 := NewV1()
	_, _ = v1.Write(data)

	v2 := NewV2()
	for i := 0; i < 3; i++ {
		v2.WriteBlock(data[i*BlockSize : (i+1)*BlockSize])
	}
	assert.Equal(t, v1.Sum(), v2.Sum())
}

func TestV2CustomBlocks(t *testing.T) {
	data := testData(5 << 20)
	sizes := []int{3 << 20, 2 << 20}

	var buffer []byte
	offset := 0
	for _, size := range sizes {
		block := data[offset : offset+size]
		offset += size
		blockV1 := NewV1()
		_, _ = blockV1.Write(block)
		raw, err := base64.URLEncoding.DecodeString(blockV1.Sum())
		if err != nil {
			t.Fatal(err)
		}
		buffer = append(buffer, raw[1:]...)
	}
	sum := sha1.Sum(buffer)
	want := base64.URLEncoding.EncodeToString(append([]byte{0x9e}, sum[:]...))

	v2 := NewV2()
	v2.WriteBlock(data[:3<<20])
	v2.WriteBlock(data[3<<20:])
	assert.Equal(t, want, v2.Sum())
}

func TestV2Reset(t *testing.T) {
	data := testData(1 << 20)
	v2 := NewV2()
	v2.WriteBlock(data)
	first := v2.Sum()

	v2.Reset()
	v2.WriteBlock(data)
	assert.Equal(t, first, v2.Sum())
}

func TestFromBlocks(t *testing.T) {
	data := testData(6 << 20)
	v2 := NewV2()
	v2.WriteBlock(data[:4<<20])
	v2.WriteBlock(data[4<<20:])

	got, err := FromBlocks(bytes.NewReader(data), []int64{4 << 20, 2 << 20})
	require.NoError(t, err)
	assert.Equal(t, v2.Sum(), got)
}
