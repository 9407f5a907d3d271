// Package diskcache is the entry store behind the HTTP cache. It stores
// opaque entries addressed by a string key, each with two independent data
// streams (response metadata and body). Entries can be doomed: a doomed entry
// is detached from its key immediately but its data stays readable through
// handles that are already open, and is removed once the last one closes.
//
// Two backends are provided: a go-billy filesystem (on disk via osfs or in
// memory via memfs) and redis for stores shared between processes.
package diskcache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
)

// Stream indexes.
const (
	StreamInfo = 0
	StreamBody = 1

	streamCount = 2
)

// Backend 按 key 打开、创建或作废缓存条目。同一个 key 在任意时刻至多对应一个存活条目。
type Backend interface {
	// OpenEntry 打开已存在的条目，不存在时返回 ErrNotFound。
	OpenEntry(ctx context.Context, key string) (Entry, error)

	// CreateEntry 创建空条目，key 已存在时返回 ErrExists。
	CreateEntry(ctx context.Context, key string) (Entry, error)

	// DoomEntry 作废 key 当前对应的条目，已打开的句柄仍可读取旧数据。
	DoomEntry(ctx context.Context, key string) error

	Close() error
}

// Entry is an open handle on one stored entry.
type Entry interface {
	Key() string

	// ReadData copies stream data starting at offset into p. It returns 0 at
	// or beyond the end of the stream.
	ReadData(ctx context.Context, stream int, offset int64, p []byte) (int, error)

	// WriteData writes p at offset. With truncate the stream ends right after
	// the written bytes.
	WriteData(ctx context.Context, stream int, offset int64, p []byte, truncate bool) (int, error)

	DataSize(stream int) int64

	// Doom detaches the entry from its key. The handle stays usable.
	Doom()

	Close() error
}

var (
	// ErrNotFound 表示 key 没有对应的条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrExists 表示 key 已有存活条目，不能重复创建。
	ErrExists = errors.New("cache entry already exists")
	// ErrInvalidStream 表示流编号或偏移越界。
	ErrInvalidStream = errors.New("invalid stream or offset")
	// ErrClosed 表示句柄已关闭。
	ErrClosed = errors.New("cache entry closed")
	// ErrDataLost 表示存储返回的数据比句柄记录的少，条目已被外部清理。
	ErrDataLost = errors.New("cache entry data lost")
)

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func validStream(stream int, offset int64, sizes *[streamCount]int64) bool {
	return stream >= 0 && stream < streamCount && offset >= 0 && offset <= sizes[stream]
}

// instances 记录每个条目实例的打开句柄数，作废且无人引用时才真正清理数据。
type instances struct {
	mu   sync.Mutex
	refs map[string]*instance
}

type instance struct {
	refs   int
	doomed bool
}

func newInstances() *instances {
	return &instances{refs: make(map[string]*instance)}
}

func (t *instances) acquire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst := t.refs[id]
	if inst == nil {
		inst = &instance{}
		t.refs[id] = inst
	}
	inst.refs++
}

// release drops one reference and reports whether the data should be purged.
func (t *instances) release(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst := t.refs[id]
	if inst == nil {
		return false
	}
	inst.refs--
	if inst.refs > 0 {
		return false
	}
	delete(t.refs, id)
	return inst.doomed
}

// doom marks the instance doomed and reports whether it can be purged now.
func (t *instances) doom(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst := t.refs[id]
	if inst == nil {
		return true
	}
	inst.doomed = true
	return false
}

// entryState holds the per-handle stream sizes shared by both backends.
type entryState struct {
	key string
	id  string

	mu     sync.RWMutex
	sizes  [streamCount]int64
	closed bool
}

func (s *entryState) Key() string { return s.key }

func (s *entryState) DataSize(stream int) int64 {
	if stream < 0 || stream >= streamCount {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizes[stream]
}

// readWindow clamps a read request to the stream size. ok=false means there
// is nothing to read.
func (s *entryState) readWindow(stream int, offset int64, p []byte) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	if stream < 0 || stream >= streamCount || offset < 0 {
		return 0, false, ErrInvalidStream
	}
	size := s.sizes[stream]
	if offset >= size || len(p) == 0 {
		return 0, false, nil
	}
	n := int64(len(p))
	if offset+n > size {
		n = size - offset
	}
	return int(n), true, nil
}

func (s *entryState) afterWrite(stream int, offset int64, n int, truncate bool) {
	end := offset + int64(n)
	if truncate || end > s.sizes[stream] {
		s.sizes[stream] = end
	}
}
