package cachestats

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/fetch"
	"github.com/any-hub/hub-mirror/internal/repo"
)

// Counters 记录请求级计数，所有方法均可并发调用。
type Counters struct {
	hits            atomic.Int64
	misses          atomic.Int64
	failures        atomic.Int64
	bytesServed     atomic.Int64
	upstreamBytes   atomic.Int64
	upstreamFetches atomic.Int64
	passthrough     atomic.Int64

	requests requestWindow
	now      func() time.Time
}

// CounterSnapshot 是 Counters 的某一时刻读数。
type CounterSnapshot struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Failures        int64 `json:"failures"`
	BytesServed     int64 `json:"bytes_served"`
	UpstreamBytes   int64 `json:"upstream_bytes"`
	UpstreamFetches int64 `json:"upstream_fetches"`
	Passthrough     int64 `json:"passthrough"`
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{now: time.Now}
}

func (c *Counters) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// RecordHit 记录一次完全由缓存满足的文件请求。
func (c *Counters) RecordHit() {
	if c != nil {
		c.hits.Add(1)
	}
}

// RecordMiss 记录一次需要回源的文件请求。
func (c *Counters) RecordMiss() {
	if c != nil {
		c.misses.Add(1)
	}
}

// RecordFailure 记录一次以错误结束的文件请求。
func (c *Counters) RecordFailure() {
	if c != nil {
		c.failures.Add(1)
	}
}

// RecordPassthrough 记录一次透传请求。
func (c *Counters) RecordPassthrough() {
	if c != nil {
		c.passthrough.Add(1)
	}
}

// AddServed 累加返回给客户端的字节数。
func (c *Counters) AddServed(n int64) {
	if c != nil && n > 0 {
		c.bytesServed.Add(n)
	}
}

// Snapshot 读取当前计数。
func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Failures:        c.failures.Load(),
		BytesServed:     c.bytesServed.Load(),
		UpstreamBytes:   c.upstreamBytes.Load(),
		UpstreamFetches: c.upstreamFetches.Load(),
		Passthrough:     c.passthrough.Load(),
	}
}

// MeterFetcher 包装上游 Fetcher，统计区间请求次数与实际读取的字节数。
func (c *Counters) MeterFetcher(inner fetch.Fetcher) fetch.Fetcher {
	return &meteredFetcher{inner: inner, counters: c}
}

type meteredFetcher struct {
	inner    fetch.Fetcher
	counters *Counters
}

func (m *meteredFetcher) FetchRange(ctx context.Context, fd repo.FileDescriptor, rng cache.ByteRange) (io.ReadCloser, error) {
	body, err := m.inner.FetchRange(ctx, fd, rng)
	if err != nil {
		return nil, err
	}
	m.counters.upstreamFetches.Add(1)
	return &meteredBody{ReadCloser: body, counters: m.counters}, nil
}

type meteredBody struct {
	io.ReadCloser
	counters *Counters
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.counters.upstreamBytes.Add(int64(n))
	}
	return n, err
}
