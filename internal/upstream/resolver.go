package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/hub-mirror/internal/repo"
)

// MetadataSource 是 Resolver 依赖的元数据查询能力，*Client 实现该接口。
type MetadataSource interface {
	Resolve(ctx context.Context, id repo.Identity, filePath string) (repo.FileDescriptor, error)
}

// Resolver 在 MetadataSource 之上合并并发查询，并在 TTL 内复用解析结果。
type Resolver struct {
	source MetadataSource
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	fd      repo.FileDescriptor
	expires time.Time
}

// NewResolver 构造带缓存的解析器；ttl<=0 表示不缓存，只合并并发请求。
func NewResolver(source MetadataSource, ttl time.Duration, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		source: source,
		ttl:    ttl,
		now:    now,
		memo:   make(map[string]memoEntry),
	}
}

// Resolve 返回文件描述符：TTL 内命中直接返回，否则同一键只有一个请求真正访问上游。
func (r *Resolver) Resolve(ctx context.Context, id repo.Identity, filePath string) (repo.FileDescriptor, error) {
	key := memoKey(id, filePath)
	if fd, ok := r.cached(key); ok {
		return fd, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// 上一轮共享调用可能刚刚写入 memo。
		if fd, ok := r.cached(key); ok {
			return fd, nil
		}
		// 共享调用不随首个调用者取消，每个等待者各自响应自己的 ctx。
		fd, err := r.source.Resolve(context.WithoutCancel(ctx), id, filePath)
		if err != nil {
			return repo.FileDescriptor{}, err
		}
		r.remember(key, fd)
		return fd, nil
	})

	select {
	case <-ctx.Done():
		return repo.FileDescriptor{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return repo.FileDescriptor{}, res.Err
		}
		return res.Val.(repo.FileDescriptor), nil
	}
}

// Invalidate 丢弃缓存的解析结果，下一次 Resolve 会重新访问上游。
func (r *Resolver) Invalidate(id repo.Identity, filePath string) {
	r.mu.Lock()
	delete(r.memo, memoKey(id, filePath))
	r.mu.Unlock()
}

func (r *Resolver) cached(key string) (repo.FileDescriptor, bool) {
	if r.ttl <= 0 {
		return repo.FileDescriptor{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.memo[key]
	if !ok {
		return repo.FileDescriptor{}, false
	}
	if !r.now().Before(entry.expires) {
		delete(r.memo, key)
		return repo.FileDescriptor{}, false
	}
	return entry.fd, true
}

func (r *Resolver) remember(key string, fd repo.FileDescriptor) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.memo[key] = memoEntry{fd: fd, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

func memoKey(id repo.Identity, filePath string) string {
	return id.String() + "::" + filePath
}
