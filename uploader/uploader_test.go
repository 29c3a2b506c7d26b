package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/kodo/auth"
	"github.com/rclone/kodo/client"
	"github.com/rclone/kodo/endpoints"
	"github.com/rclone/kodo/region"
	"github.com/rclone/kodo/uptoken"
)

const testPartSize = 4 * 1024 // small parts keep the tests quick

func testBytes(n int) []byte {
	r := rand.New(rand.NewSource(7))
	data := make([]byte, n)
	_, _ = r.Read(data)
	return data
}

func writeTestFile(t *testing.T, data []byte) string {
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// fakeUpServer implements the v2 part protocol for one bucket.
type fakeUpServer struct {
	mu         sync.Mutex
	t          *testing.T
	uploadID   string
	parts      map[int][]byte
	puts       []int
	initiates  int
	completes  int
	failPart   int // part number that fails until clearFail
	aborted    bool
	compParts  []int
	compEtags  []string
	storedSize int
}

func newFakeUpServer(t *testing.T) *fakeUpServer {
	return &fakeUpServer{t: t, uploadID: "uid-1", parts: make(map[int][]byte)}
}

func (s *fakeUpServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/uploads"):
			s.initiates++
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"uploadId": s.uploadID,
				"expireAt": time.Now().Add(time.Hour).Unix(),
			})
		case r.Method == http.MethodPut:
			segments := strings.Split(path, "/")
			partNumber, err := strconv.Atoi(segments[len(segments)-1])
			require.NoError(s.t, err)
			if partNumber == s.failPart {
				w.WriteHeader(599)
				_, _ = w.Write([]byte(`{"error":"simulated failure"}`))
				return
			}
			body, err := io.ReadAll(r.Body)
			require.NoError(s.t, err)
			s.parts[partNumber] = body
			s.puts = append(s.puts, partNumber)
			_ = json.NewEncoder(w).Encode(map[string]string{"etag": fmt.Sprintf("etag-%d", partNumber)})
		case r.Method == http.MethodPost:
			s.completes++
			var body struct {
				Parts []struct {
					PartNumber int    `json:"partNumber"`
					Etag       string `json:"etag"`
				} `json:"parts"`
			}
			require.NoError(s.t, json.NewDecoder(r.Body).Decode(&body))
			total := 0
			for _, part := range body.Parts {
				s.compParts = append(s.compParts, part.PartNumber)
				s.compEtags = append(s.compEtags, part.Etag)
				total += len(s.parts[part.PartNumber])
			}
			s.storedSize = total
			_ = json.NewEncoder(w).Encode(map[string]string{"key": "k0", "hash": "fakehash"})
		case r.Method == http.MethodDelete:
			s.aborted = true
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(404)
		}
	})
}

func (s *fakeUpServer) setFailPart(n int) {
	s.mu.Lock()
	s.failPart = n
	s.mu.Unlock()
}

func newUploadManager(t *testing.T, serverURL string, recorder ResumableRecorder, serial bool) *Manager {
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	r := &region.Region{ID: "test", Up: endpoints.NewEndpoints(endpoints.MustParse(u.Host))}
	cli := client.New(client.Options{UseInsecureHTTP: true, NoResolver: true, Backoff: client.NewFixedBackoff(0)})
	manager, err := NewManager(ManagerOptions{
		TokenProvider: uptoken.NewFromPolicy(uptoken.NewPolicy("b0", time.Hour), auth.New("ak", "sk")),
		Client:        cli,
		Regions:       region.NewStaticProvider(r),
		Recorder:      recorder,
		NoRecorder:    recorder == nil,
		PartSize:      NewFixedPartSize(testPartSize),
		Policy:        NewFixedThreshold(testPartSize),
		Serial:        serial,
	})
	require.NoError(t, err)
	return manager
}

func TestMultiPartUploadSerial(t *testing.T) {
	data := testBytes(3 * testPartSize)
	path := writeTestFile(t, data)
	server := newFakeUpServer(t)
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	manager := newUploadManager(t, ts.URL, nil, true)
	var result UploadResult
	err := manager.UploadFile(context.Background(), path, &ObjectParams{Key: "k0"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "k0", result.Key)
	assert.Equal(t, []int{1, 2, 3}, server.puts)
	assert.Equal(t, []int{1, 2, 3}, server.compParts)
	assert.Equal(t, len(data), server.storedSize)

	// byte-accurate reassembly
	var stored []byte
	for i := 1; i <= 3; i++ {
		stored = append(stored, server.parts[i]...)
	}
	assert.True(t, bytes.Equal(data, stored))
}

func TestMultiPartUploadConcurrent(t *testing.T) {
	data := testBytes(8*testPartSize + 100)
	path := writeTestFile(t, data)
	server := newFakeUpServer(t)
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	manager := newUploadManager(t, ts.URL, nil, false)
	var result UploadResult
	err := manager.UploadFile(context.Background(), path, &ObjectParams{Key: "k0"}, &result)
	require.NoError(t, err)

	// commit order is ascending regardless of completion order
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, server.compParts)
	assert.Equal(t, len(data), server.storedSize)
}

func TestResumeAfterCrash(t *testing.T) {
	// A 3 part source; part 3 fails, the process "crashes", and the retry
	// must upload only part 3 before completing with all three etags in
	// ascending order.
	data := testBytes(3 * testPartSize)
	path := writeTestFile(t, data)
	recorderDir := filepath.Join(t.TempDir(), "records")
	server := newFakeUpServer(t)
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	recorder, err := NewFileRecorder(recorderDir)
	require.NoError(t, err)

	server.setFailPart(3)
	manager := newUploadManager(t, ts.URL, recorder, true)
	err = manager.UploadFile(context.Background(), path, &ObjectParams{Key: "k0"}, nil)
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, server.puts)
	assert.Equal(t, 0, server.completes)

	// "restart": fresh manager over the same recorder directory
	server.setFailPart(0)
	manager = newUploadManager(t, ts.URL, recorder, true)
	var result UploadResult
	err = manager.UploadFile(context.Background(), path, &ObjectParams{Key: "k0"}, &result)
	require.NoError(t, err)

	// only part 3 was re-sent
	assert.Equal(t, []int{1, 2, 3}, server.puts)
	assert.Equal(t, 1, server.initiates, "the resumed upload must reuse the upload id")
	assert.Equal(t, []int{1, 2, 3}, server.compParts)
	assert.Equal(t, []string{"etag-1", "etag-2", "etag-3"}, server.compEtags)
	assert.Equal(t, len(data), server.storedSize)

	// the record is gone after a successful commit
	source, err := NewFileSource(path)
	require.NoError(t, err)
	defer func() { _ = source.Close() }()
	key, err := source.SourceKey()
	require.NoError(t, err)
	record, err := recorder.Load(key, 2)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRecordDiscardedWhenSourceChanges(t *testing.T) {
	recorderDir := filepath.Join(t.TempDir(), "records")
	recorder, err := NewFileRecorder(recorderDir)
	require.NoError(t, err)

	record := &Record{
		Version:    2,
		UploadID:   "stale",
		SourceKey:  "abc",
		SourceSize: 100,
	}
	require.NoError(t, recorder.Start(record))
	require.NoError(t, recorder.AppendPart("abc", 2, RecordedPart{PartNumber: 1, Etag: "e", Size: 50}))

	loaded, err := recorder.Load("abc", 2)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "stale", loaded.UploadID)
	require.Len(t, loaded.Parts, 1)

	// a source with a different size must not resume from it
	base := &uploaderBase{recorder: recorder}
	src := NewReaderSource(bytes.NewReader(make([]byte, 200)), "abc", 200)
	assert.Nil(t, base.loadRecord(src, 2))
	// and the stale record was dropped
	gone, err := recorder.Load("abc", 2)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestExpiredRecordDiscarded(t *testing.T) {
	recorder, err := NewFileRecorder(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)
	record := &Record{
		Version:    2,
		UploadID:   "old",
		SourceKey:  "k",
		SourceSize: 10,
		ExpiredAt:  time.Now().Add(-time.Hour).Unix(),
	}
	require.NoError(t, recorder.Start(record))

	base := &uploaderBase{recorder: recorder}
	src := NewReaderSource(bytes.NewReader(make([]byte, 10)), "k", 10)
	assert.Nil(t, base.loadRecord(src, 2))
}

func TestFormUpload(t *testing.T) {
	var gotToken, gotKey, gotCrc string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			// multi-part traffic is rejected; only the form path succeeds
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(599)
			_, _ = w.Write([]byte(`{"error":"not the form endpoint"}`))
			return
		}
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			data, err := io.ReadAll(part)
			require.NoError(t, err)
			switch part.FormName() {
			case "token":
				gotToken = string(data)
			case "key":
				gotKey = string(data)
			case "crc32":
				gotCrc = string(data)
			case "file":
				gotBody = data
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"small","hash":"h"}`))
	}))
	defer server.Close()

	data := []byte("tiny object body")
	manager := newUploadManager(t, server.URL, nil, true)
	var result UploadResult
	err := manager.UploadReader(context.Background(), bytes.NewReader(data), &ObjectParams{Key: "small"}, &result)
	require.Error(t, err) // unknown size goes multi-part under the fixed threshold policy

	// with a known small source the form path is taken
	path := writeTestFile(t, data)
	err = manager.UploadFile(context.Background(), path, &ObjectParams{Key: "small"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "small", result.Key)
	assert.Equal(t, data, gotBody)
	assert.Equal(t, "small", gotKey)
	assert.NotEmpty(t, gotToken)
	assert.NotEmpty(t, gotCrc)
}

func TestV1Protocol(t *testing.T) {
	var mkblks []int64
	var mkfilePath string
	var mkfileBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/mkblk/"):
			size, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/mkblk/"), 10, 64)
			require.NoError(t, err)
			mkblks = append(mkblks, size)
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.Len(t, body, int(size))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"ctx":        fmt.Sprintf("ctx-%d", len(mkblks)),
				"expired_at": time.Now().Add(time.Hour).Unix(),
			})
		case strings.HasPrefix(r.URL.Path, "/mkfile/"):
			mkfilePath = r.URL.Path
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			mkfileBody = string(body)
			_ = json.NewEncoder(w).Encode(map[string]string{"key": "k0", "hash": "h"})
		default:
			w.WriteHeader(404)
		}
	}))
	defer server.Close()

	data := testBytes(2*testPartSize + 10)
	path := writeTestFile(t, data)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	r := &region.Region{ID: "test", Up: endpoints.NewEndpoints(endpoints.MustParse(u.Host))}
	cli := client.New(client.Options{UseInsecureHTTP: true, NoResolver: true, Backoff: client.NewFixedBackoff(0)})
	manager, err := NewManager(ManagerOptions{
		TokenProvider: uptoken.NewFromPolicy(uptoken.NewPolicy("b0", time.Hour), auth.New("ak", "sk")),
		Client:        cli,
		Regions:       region.NewStaticProvider(r),
		NoRecorder:    true,
		PartSize:      NewFixedPartSize(testPartSize),
		Policy:        AlwaysMultiParts{},
		Serial:        true,
		UseV1Protocol: true,
	})
	require.NoError(t, err)

	var result UploadResult
	require.NoError(t, manager.UploadFile(context.Background(), path, &ObjectParams{Key: "k0"}, &result))
	assert.Equal(t, []int64{testPartSize, testPartSize, 10}, mkblks)
	assert.Equal(t, "ctx-1,ctx-2,ctx-3", mkfileBody)
	assert.Contains(t, mkfilePath, "/mkfile/"+strconv.Itoa(len(data)))
	assert.Contains(t, mkfilePath, "/key/"+encodeBase64("k0"))
}

func TestUploadProgress(t *testing.T) {
	data := testBytes(3 * testPartSize)
	path := writeTestFile(t, data)
	server := newFakeUpServer(t)
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	var mu sync.Mutex
	var progress []uint64
	manager := newUploadManager(t, ts.URL, nil, true)
	err := manager.UploadFile(context.Background(), path, &ObjectParams{
		Key: "k0",
		OnProgress: func(uploaded, total uint64) {
			mu.Lock()
			progress = append(progress, uploaded)
			mu.Unlock()
			assert.Equal(t, uint64(len(data)), total)
		},
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, progress)
	assert.Equal(t, uint64(len(data)), progress[len(progress)-1])
}

func TestFixedPartSizeProvider(t *testing.T) {
	assert.Equal(t, DefaultPartSize, NewFixedPartSize(0).PartSize())
	assert.Equal(t, int64(1024), NewFixedPartSize(1024).PartSize())
}

func TestTimeAwarePartSize(t *testing.T) {
	p := NewTimeAwarePartSize(8<<20, 4<<20, 32<<20, 10*time.Second, 60*time.Second)
	assert.Equal(t, int64(8<<20), p.PartSize())

	// slow part: halve
	p.Feedback(PartSizeFeedback{PartSize: 8 << 20, Elapsed: 2 * time.Minute})
	assert.Equal(t, int64(4<<20), p.PartSize())

	// saturates at the minimum
	p.Feedback(PartSizeFeedback{PartSize: 4 << 20, Elapsed: 2 * time.Minute})
	assert.Equal(t, int64(4<<20), p.PartSize())

	// fast parts: double up to the max
	for i := 0; i < 8; i++ {
		p.Feedback(PartSizeFeedback{PartSize: p.PartSize(), Elapsed: time.Second})
	}
	assert.Equal(t, int64(32<<20), p.PartSize())
}

func TestMultiplyAndLimitedPartSize(t *testing.T) {
	base := NewFixedPartSize(5 << 20)
	snapped := NewMultiplyPartSize(base, 4<<20)
	assert.Equal(t, int64(4<<20), snapped.PartSize())

	limited := NewLimitedPartSize(NewFixedPartSize(100<<20), 1<<20, 8<<20)
	assert.Equal(t, int64(8<<20), limited.PartSize())
	limited = NewLimitedPartSize(NewFixedPartSize(1), 1<<20, 8<<20)
	assert.Equal(t, int64(1<<20), limited.PartSize())
}

func TestTimeAwareConcurrency(t *testing.T) {
	c := NewTimeAwareConcurrency(2, 4, time.Second, time.Minute)
	assert.Equal(t, 2, c.Concurrency())

	// slow: step down
	c.Feedback(ConcurrencyFeedback{Concurrency: 2, Elapsed: 2 * time.Minute})
	assert.Equal(t, 1, c.Concurrency())

	// saturates at 1
	c.Feedback(ConcurrencyFeedback{Concurrency: 1, Elapsed: 2 * time.Minute})
	assert.Equal(t, 1, c.Concurrency())

	// fast: step up to the max
	for i := 0; i < 8; i++ {
		c.Feedback(ConcurrencyFeedback{Concurrency: c.Concurrency(), Elapsed: 100 * time.Millisecond})
	}
	assert.Equal(t, 4, c.Concurrency())
}

func TestResumablePolicies(t *testing.T) {
	assert.Equal(t, SinglePartUploading, AlwaysSinglePart{}.Decide(1<<30, true))
	assert.Equal(t, MultiPartsUploading, AlwaysMultiParts{}.Decide(1, true))

	threshold := NewFixedThreshold(4 << 20)
	assert.Equal(t, SinglePartUploading, threshold.Decide(4<<20-1, true))
	assert.Equal(t, MultiPartsUploading, threshold.Decide(4<<20, true))
	assert.Equal(t, MultiPartsUploading, threshold.Decide(0, false))

	multiple := NewMultiplePartitions(NewFixedPartSize(4<<20), 4)
	assert.Equal(t, SinglePartUploading, multiple.Decide(15<<20, true))
	assert.Equal(t, MultiPartsUploading, multiple.Decide(16<<20, true))
}

func TestFileSourceSlicing(t *testing.T) {
	data := testBytes(10*1024 + 11)
	path := writeTestFile(t, data)
	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	size, known := src.TotalSize()
	assert.True(t, known)
	assert.Equal(t, int64(len(data)), size)

	var got []byte
	numbers := []int{}
	for {
		part, err := src.Slice(4 * 1024)
		require.NoError(t, err)
		if part == nil {
			break
		}
		numbers = append(numbers, part.PartNumber)
		assert.Equal(t, int64(len(got)), part.Offset)
		data, err := io.ReadAll(part.Reader)
		require.NoError(t, err)
		require.Equal(t, part.Size, int64(len(data)))
		got = append(got, data...)
	}
	assert.Equal(t, []int{1, 2, 3}, numbers)
	assert.Equal(t, data, got)

	require.NoError(t, src.Reset())
	part, err := src.Slice(4 * 1024)
	require.NoError(t, err)
	assert.Equal(t, 1, part.PartNumber)
}

func TestFileSourceKeyChangesWithContent(t *testing.T) {
	pathA := writeTestFile(t, []byte("aaaa"))
	srcA, err := NewFileSource(pathA)
	require.NoError(t, err)
	defer func() { _ = srcA.Close() }()
	keyA, err := srcA.SourceKey()
	require.NoError(t, err)
	require.NotEmpty(t, keyA)

	pathB := writeTestFile(t, []byte("bbbbbbbb"))
	srcB, err := NewFileSource(pathB)
	require.NoError(t, err)
	defer func() { _ = srcB.Close() }()
	keyB, err := srcB.SourceKey()
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB)
}

func TestReaderSource(t *testing.T) {
	data := testBytes(9 * 1024)
	src := NewReaderSource(bytes.NewReader(data), "", -1)

	_, known := src.TotalSize()
	assert.False(t, known)

	var got []byte
	for {
		part, err := src.Slice(4 * 1024)
		require.NoError(t, err)
		if part == nil {
			break
		}
		chunk, err := io.ReadAll(part.Reader)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, data, got)
}
