package diskcache

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when the backend is closed. Optional.
	ClientCloser io.Closer

	// Prefix is prepended to every key. Default is "any-fetch:".
	Prefix string

	// Timeout bounds calls that do not receive a context. Default is 1s.
	Timeout time.Duration

	// DoomGrace is how long a doomed entry's data outlives its last known
	// handle if that handle's process never closes it. Default is 10m.
	DoomGrace time.Duration
}

type redisBackend struct {
	opts RedisOptions
}

// compareAndDelete 仅在索引仍指向指定实例时删除，避免误删后来创建的条目。
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisBackend stores entries in redis. Each entry lives under its own
// instance id so dooming only needs to drop the index key. Open handles are
// counted in redis itself, so a doom issued by one process never removes
// data another process is still reading.
func NewRedisBackend(opts RedisOptions) (Backend, error) {
	if opts.Client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "any-fetch:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.DoomGrace <= 0 {
		opts.DoomGrace = 10 * time.Minute
	}
	return &redisBackend{opts: opts}, nil
}

// NewRedisClient builds a client for addr.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func (b *redisBackend) indexKey(key string) string {
	return b.opts.Prefix + "index:" + hashKey(key)
}

func (b *redisBackend) refsKey(id string) string {
	return b.opts.Prefix + "refs:" + id
}

func (b *redisBackend) dataKey(id string, stream int) string {
	return b.opts.Prefix + "data:" + id + ":" + strconv.Itoa(stream)
}

func (b *redisBackend) dataKeys(id string) []string {
	keys := make([]string, streamCount)
	for stream := range keys {
		keys[stream] = b.dataKey(id, stream)
	}
	return keys
}

func (b *redisBackend) currentID(ctx context.Context, key string) (string, error) {
	id, err := b.opts.Client.Get(ctx, b.indexKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

// OpenEntry 先登记引用再确认索引未变：与并发的 doom 交错时，要么 doom 看到引用并保留数据，
// 要么这里发现索引已变而放弃打开。
func (b *redisBackend) OpenEntry(ctx context.Context, key string) (Entry, error) {
	id, err := b.currentID(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := b.opts.Client.Incr(ctx, b.refsKey(id)).Err(); err != nil {
		return nil, err
	}
	current, err := b.currentID(ctx, key)
	if err != nil || current != id {
		_ = b.release(ctx, key, id)
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}

	entry := &redisEntry{backend: b, entryState: entryState{key: key, id: id}}
	for stream := 0; stream < streamCount; stream++ {
		size, err := b.opts.Client.StrLen(ctx, b.dataKey(id, stream)).Result()
		if err != nil {
			_ = b.release(ctx, key, id)
			return nil, err
		}
		entry.sizes[stream] = size
	}
	return entry, nil
}

func (b *redisBackend) CreateEntry(ctx context.Context, key string) (Entry, error) {
	id := uuid.NewString()
	if err := b.opts.Client.Incr(ctx, b.refsKey(id)).Err(); err != nil {
		return nil, err
	}
	ok, err := b.opts.Client.SetNX(ctx, b.indexKey(key), id, 0).Result()
	if err != nil || !ok {
		_ = b.opts.Client.Del(ctx, b.refsKey(id)).Err()
		if err == nil {
			err = ErrExists
		}
		return nil, err
	}
	return &redisEntry{backend: b, entryState: entryState{key: key, id: id}}, nil
}

func (b *redisBackend) DoomEntry(ctx context.Context, key string) error {
	id, err := b.currentID(ctx, key)
	if err != nil {
		return err
	}
	return b.doomInstance(ctx, key, id)
}

// doomInstance 摘掉索引后检查引用数：无人引用立即清理；仍有句柄时只给数据设置过期时间，
// 由最后一个关闭的句柄清理，进程异常退出时交给过期兜底。
func (b *redisBackend) doomInstance(ctx context.Context, key, id string) error {
	if err := compareAndDelete.Run(ctx, b.opts.Client, []string{b.indexKey(key)}, id).Err(); err != nil {
		return err
	}
	refs, err := b.opts.Client.Get(ctx, b.refsKey(id)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if refs <= 0 {
		return b.purge(ctx, id)
	}
	for _, k := range append(b.dataKeys(id), b.refsKey(id)) {
		if err := b.opts.Client.Expire(ctx, k, b.opts.DoomGrace).Err(); err != nil {
			return err
		}
	}
	return nil
}

// release 归还一个引用；最后一个引用离开且实例已不在索引中时清理数据。
func (b *redisBackend) release(ctx context.Context, key, id string) error {
	refs, err := b.opts.Client.Decr(ctx, b.refsKey(id)).Result()
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}
	if err := b.opts.Client.Del(ctx, b.refsKey(id)).Err(); err != nil {
		return err
	}
	current, err := b.currentID(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return b.purge(ctx, id)
	}
	if err != nil || current == id {
		return err
	}
	return b.purge(ctx, id)
}

func (b *redisBackend) purge(ctx context.Context, id string) error {
	return b.opts.Client.Del(ctx, append(b.dataKeys(id), b.refsKey(id))...).Err()
}

func (b *redisBackend) Close() error {
	if b.opts.ClientCloser != nil {
		return b.opts.ClientCloser.Close()
	}
	return nil
}

type redisEntry struct {
	backend *redisBackend
	entryState
}

func (e *redisEntry) ReadData(ctx context.Context, stream int, offset int64, p []byte) (int, error) {
	n, ok, err := e.readWindow(stream, offset, p)
	if !ok {
		return 0, err
	}
	// GETRANGE 的结束下标是闭区间。
	data, err := e.backend.opts.Client.GetRange(ctx, e.backend.dataKey(e.id, stream), offset, offset+int64(n)-1).Bytes()
	if err != nil {
		return 0, err
	}
	if len(data) < n {
		return 0, ErrDataLost
	}
	return copy(p, data), nil
}

func (e *redisEntry) WriteData(ctx context.Context, stream int, offset int64, p []byte, truncate bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	if !validStream(stream, offset, &e.sizes) {
		return 0, ErrInvalidStream
	}

	client := e.backend.opts.Client
	dataKey := e.backend.dataKey(e.id, stream)
	size := e.sizes[stream]
	var err error
	switch {
	case truncate && offset+int64(len(p)) < size:
		// redis 字符串不能原地缩短，只能重写保留的前缀。
		var head []byte
		if offset > 0 {
			head, err = client.GetRange(ctx, dataKey, 0, offset-1).Bytes()
			if err != nil {
				return 0, err
			}
		}
		err = client.Set(ctx, dataKey, append(head, p...), 0).Err()
	case len(p) == 0:
	default:
		err = client.SetRange(ctx, dataKey, offset, string(p)).Err()
	}
	if err != nil {
		return 0, err
	}
	e.afterWrite(stream, offset, len(p), truncate)
	return len(p), nil
}

func (e *redisEntry) Doom() {
	ctx, cancel := context.WithTimeout(context.Background(), e.backend.opts.Timeout)
	defer cancel()
	_ = e.backend.doomInstance(ctx, e.key, e.id)
}

func (e *redisEntry) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), e.backend.opts.Timeout)
	defer cancel()
	return e.backend.release(ctx, e.key, e.id)
}
