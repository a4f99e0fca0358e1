package cachestats

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// maxRequestSamples 限制内存中保留的请求样本数，超出后覆盖最旧的样本。
	maxRequestSamples = 10000
	// DefaultRequestWindow 是 /-/cache-stats 中请求统计的时间窗口。
	DefaultRequestWindow = time.Hour
)

type requestSample struct {
	at      time.Time
	status  int
	elapsed time.Duration
	bytes   int64
}

// requestWindow 是固定容量的环形缓冲区。
type requestWindow struct {
	mu      sync.Mutex
	samples []requestSample
	next    int
	full    bool
}

func (w *requestWindow) add(s requestSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.samples == nil {
		w.samples = make([]requestSample, maxRequestSamples)
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *requestWindow) since(cutoff time.Time) []requestSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	out := make([]requestSample, 0, n)
	for i := 0; i < n; i++ {
		if s := w.samples[i]; !s.at.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// RequestStats 汇总时间窗口内的 HTTP 请求。
type RequestStats struct {
	WindowSeconds int64          `json:"window_seconds"`
	Total         int            `json:"total"`
	BytesSent     int64          `json:"bytes_sent"`
	AvgMillis     float64        `json:"avg_ms"`
	P50Millis     float64        `json:"p50_ms"`
	P95Millis     float64        `json:"p95_ms"`
	P99Millis     float64        `json:"p99_ms"`
	StatusCodes   map[string]int `json:"status_codes"`
}

// ObserveRequest 记录一次 HTTP 请求的状态码、耗时与响应字节数。
func (c *Counters) ObserveRequest(status int, elapsed time.Duration, bytes int64) {
	if c == nil {
		return
	}
	c.requests.add(requestSample{at: c.clock(), status: status, elapsed: elapsed, bytes: bytes})
}

// RequestStats 统计最近 window 内的请求；window<=0 时使用 DefaultRequestWindow。
func (c *Counters) RequestStats(window time.Duration) RequestStats {
	if window <= 0 {
		window = DefaultRequestWindow
	}
	stats := RequestStats{
		WindowSeconds: int64(window / time.Second),
		StatusCodes:   map[string]int{},
	}
	if c == nil {
		return stats
	}
	samples := c.requests.since(c.clock().Add(-window))
	if len(samples) == 0 {
		return stats
	}

	durations := make([]time.Duration, len(samples))
	var sum time.Duration
	for i, s := range samples {
		durations[i] = s.elapsed
		sum += s.elapsed
		stats.BytesSent += s.bytes
		stats.StatusCodes[strconv.Itoa(s.status)]++
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	stats.Total = len(samples)
	stats.AvgMillis = millis(sum / time.Duration(len(samples)))
	stats.P50Millis = millis(percentile(durations, 50))
	stats.P95Millis = millis(percentile(durations, 95))
	stats.P99Millis = millis(percentile(durations, 99))
	return stats
}

// percentile 使用 nearest-rank 取值，sorted 必须升序且非空。
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
