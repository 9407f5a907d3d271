package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

// 文件布局：
//
//	index/<sha1(key)>     # 内容为当前存活实例的 id
//	data/<id>/key         # 原始 key，启动清理时用于反查索引
//	data/<id>/0, data/<id>/1
//
// 作废只删除索引文件；实例目录在最后一个句柄关闭后删除。
const (
	indexDir   = "index"
	dataDir    = "data"
	keyFile    = "key"
	tempPrefix = ".tmp-"
)

type billyBackend struct {
	fs billy.Filesystem

	// mu 串行化索引文件的修改。
	mu   sync.Mutex
	live *instances
}

// NewDiskBackend stores entries under basePath on the local filesystem.
func NewDiskBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return NewBillyBackend(osfs.New(abs))
}

// NewMemoryBackend keeps entries in memory; everything is lost on exit.
func NewMemoryBackend() Backend {
	b, err := NewBillyBackend(memfs.New())
	if err != nil {
		// memfs 上创建目录不会失败。
		panic(err)
	}
	return b
}

// NewBillyBackend stores entries on fsys. Instance directories left behind by
// doomed entries of a previous run are removed.
func NewBillyBackend(fsys billy.Filesystem) (Backend, error) {
	for _, dir := range []string{indexDir, dataDir} {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	b := &billyBackend{fs: fsys, live: newInstances()}
	if err := b.purgeOrphans(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *billyBackend) OpenEntry(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id, err := b.readIndex(key)
	if err != nil {
		return nil, err
	}
	entry := &billyEntry{backend: b, entryState: entryState{key: key, id: id}}
	for stream := 0; stream < streamCount; stream++ {
		info, err := b.fs.Stat(entry.streamPath(stream))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entry.sizes[stream] = info.Size()
	}
	b.live.acquire(id)
	return entry, nil
}

func (b *billyBackend) CreateEntry(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.readIndex(key); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	dir := path.Join(dataDir, id)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := util.WriteFile(b.fs, path.Join(dir, keyFile), []byte(key), 0o644); err != nil {
		_ = util.RemoveAll(b.fs, dir)
		return nil, err
	}
	if err := b.writeIndex(key, id); err != nil {
		_ = util.RemoveAll(b.fs, dir)
		return nil, err
	}
	b.live.acquire(id)
	return &billyEntry{backend: b, entryState: entryState{key: key, id: id}}, nil
}

func (b *billyBackend) DoomEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	id, err := b.readIndex(key)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	err = b.fs.Remove(b.indexPath(key))
	b.mu.Unlock()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if b.live.doom(id) {
		return b.purge(id)
	}
	return nil
}

func (b *billyBackend) Close() error { return nil }

// doomInstance removes the index only when it still points at id.
func (b *billyBackend) doomInstance(key, id string) {
	b.mu.Lock()
	if current, err := b.readIndex(key); err == nil && current == id {
		_ = b.fs.Remove(b.indexPath(key))
	}
	b.mu.Unlock()
	b.live.doom(id)
}

func (b *billyBackend) indexPath(key string) string {
	return path.Join(indexDir, hashKey(key))
}

func (b *billyBackend) readIndex(key string) (string, error) {
	data, err := readAll(b.fs, b.indexPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

// writeIndex 先写临时文件再 rename，保证索引不会出现半写状态。
func (b *billyBackend) writeIndex(key, id string) error {
	tmp, err := util.TempFile(b.fs, indexDir, tempPrefix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write([]byte(id))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = b.fs.Remove(tmpName)
		return err
	}
	if err := b.fs.Rename(tmpName, b.indexPath(key)); err != nil {
		_ = b.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (b *billyBackend) purge(id string) error {
	return util.RemoveAll(b.fs, path.Join(dataDir, id))
}

// purgeOrphans removes instance directories no index points at, plus stale
// temporary index files.
func (b *billyBackend) purgeOrphans() error {
	indexes, err := b.fs.ReadDir(indexDir)
	if err != nil {
		return err
	}
	for _, info := range indexes {
		if strings.HasPrefix(info.Name(), tempPrefix) {
			_ = b.fs.Remove(path.Join(indexDir, info.Name()))
		}
	}

	dirs, err := b.fs.ReadDir(dataDir)
	if err != nil {
		return err
	}
	for _, info := range dirs {
		id := info.Name()
		keyData, err := readAll(b.fs, path.Join(dataDir, id, keyFile))
		if err == nil {
			if current, err := b.readIndex(string(keyData)); err == nil && current == id {
				continue
			}
		}
		if err := b.purge(id); err != nil {
			return err
		}
	}
	return nil
}

func readAll(fsys billy.Filesystem, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type billyEntry struct {
	backend *billyBackend
	entryState
}

func (e *billyEntry) streamPath(stream int) string {
	return path.Join(dataDir, e.id, strconv.Itoa(stream))
}

func (e *billyEntry) ReadData(ctx context.Context, stream int, offset int64, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, ok, err := e.readWindow(stream, offset, p)
	if !ok {
		return 0, err
	}
	f, err := e.backend.fs.Open(e.streamPath(stream))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	read, err := f.ReadAt(p[:n], offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return read, err
	}
	return read, nil
}

func (e *billyEntry) WriteData(ctx context.Context, stream int, offset int64, p []byte, truncate bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	if !validStream(stream, offset, &e.sizes) {
		return 0, ErrInvalidStream
	}

	f, err := e.backend.fs.OpenFile(e.streamPath(stream), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if err != nil {
		e.afterWrite(stream, offset, n, false)
		return n, err
	}
	if truncate {
		if err := f.Truncate(offset + int64(n)); err != nil {
			return n, err
		}
	}
	e.afterWrite(stream, offset, n, truncate)
	return n, nil
}

func (e *billyEntry) Doom() {
	e.backend.doomInstance(e.key, e.id)
}

func (e *billyEntry) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	if e.backend.live.release(e.id) {
		return e.backend.purge(e.id)
	}
	return nil
}
