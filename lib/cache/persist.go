package cache

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rclone/kodo/lib/log"
)

// Wire format of the append-only log: one JSON record per line, either an
// Append or a ClearAll. Replay is in file order with later records winning;
// an Append without a value erases the key.
type persistRecord struct {
	Append   *persistAppend `json:"Append,omitempty"`
	ClearAll *struct{}      `json:"ClearAll,omitempty"`
}

type persistAppend struct {
	Key   string        `json:"key"`
	Value *persistValue `json:"value,omitempty"`
}

type persistValue struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cached_at"`
}

// persistentLog serializes all mutations through a single background
// drainer so records never interleave.
type persistentLog struct {
	path   string
	auto   bool
	decode DecodeValueFunc

	mu     sync.Mutex
	queue  []persistRecord
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// openPersistentLog replays the log at path and starts the drainer.
func openPersistentLog(path string, auto bool, decode DecodeValueFunc) (*persistentLog, map[string]entry, error) {
	l := &persistentLog{
		path:   path,
		auto:   auto,
		decode: decode,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	entries, err := l.replay()
	if err != nil {
		return nil, nil, err
	}
	go l.drain()
	return l, entries, nil
}

func (l *persistentLog) replay() (map[string]entry, error) {
	entries := make(map[string]entry)
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec persistRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn tail write is expected after a crash. Stop replaying
			// and keep what was read so far.
			log.Debugf(nil, "cache %s: stopping replay at corrupt record: %v", l.path, err)
			break
		}
		switch {
		case rec.ClearAll != nil:
			entries = make(map[string]entry)
		case rec.Append != nil:
			if rec.Append.Value == nil {
				delete(entries, rec.Append.Key)
				continue
			}
			value, err := l.decode(rec.Append.Value.Value)
			if err != nil {
				log.Debugf(nil, "cache %s: dropping undecodable record for %q: %v", l.path, rec.Append.Key, err)
				continue
			}
			entries[rec.Append.Key] = entry{value: value, cachedAt: rec.Append.Value.CachedAt}
		}
	}
	return entries, nil
}

func (l *persistentLog) enqueue(rec persistRecord) {
	if !l.auto {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, rec)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *persistentLog) append(key string, e *entry) {
	rec := persistRecord{Append: &persistAppend{Key: key}}
	if e != nil {
		raw, err := json.Marshal(e.value)
		if err != nil {
			log.Errorf(nil, "cache %s: cannot serialize value for %q: %v", l.path, key, err)
			return
		}
		rec.Append.Value = &persistValue{Value: raw, CachedAt: e.cachedAt}
	}
	l.enqueue(rec)
}

func (l *persistentLog) clearAll() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	// Earlier queued records are superseded.
	l.queue = l.queue[:0]
	l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		log.Errorf(nil, "cache %s: clear: %v", l.path, err)
	}
	l.enqueue(persistRecord{ClearAll: &struct{}{}})
}

// drain is the single log writer.
func (l *persistentLog) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		if len(batch) > 0 {
			l.write(batch)
		}
		if closed {
			close(l.done)
			return
		}
		<-l.wake
	}
}

func (l *persistentLog) write(batch []persistRecord) {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		log.Errorf(nil, "cache %s: open: %v", l.path, err)
		return
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range batch {
		if err := enc.Encode(&rec); err != nil {
			log.Errorf(nil, "cache %s: append: %v", l.path, err)
			return
		}
	}
	if err := w.Flush(); err != nil {
		log.Errorf(nil, "cache %s: flush: %v", l.path, err)
	}
}

func (l *persistentLog) close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	return nil
}
