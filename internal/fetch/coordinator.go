package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/repo"
	"github.com/any-hub/hub-mirror/internal/upstream"
)

// ErrClosed 表示协调器已关闭，不再接受新的下载。
var ErrClosed = errors.New("fetch: coordinator closed")

// Fetcher 拉取描述符内容的一个字节区间，*upstream.Client 实现该接口。
type Fetcher interface {
	FetchRange(ctx context.Context, fd repo.FileDescriptor, rng cache.ByteRange) (io.ReadCloser, error)
}

// Options 配置 Coordinator。
type Options struct {
	Store cache.Store
	// Fetchers 按 hub 名称索引上游。
	Fetchers map[string]Fetcher
	// Policy 控制下载中途断流后的续传次数与间隔。
	Policy upstream.RetryPolicy
	// TaskTimeout 是单个下载任务（含全部重试）的总时限，0 表示不限制。
	TaskTimeout time.Duration
	// OnChunkWritten 在每个分块成功落盘后调用，用于触发淘汰。
	OnChunkWritten func()
	Logger         *logrus.Logger
}

// Coordinator 维护 (文件, 分块) → 下载任务 的注册表，保证同一分块同时只有一个任务。
type Coordinator struct {
	store       cache.Store
	fetchers    map[string]Fetcher
	policy      upstream.RetryPolicy
	taskTimeout time.Duration
	onWrite     func()
	logger      *logrus.Logger

	mu       sync.Mutex
	inflight map[string]map[int]*task
	tasks    map[*task]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewCoordinator 构造下载协调器。
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("fetch: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	onWrite := opts.OnChunkWritten
	if onWrite == nil {
		onWrite = func() {}
	}
	fetchers := make(map[string]Fetcher, len(opts.Fetchers))
	for hub, f := range opts.Fetchers {
		fetchers[hub] = f
	}
	return &Coordinator{
		store:       opts.Store,
		fetchers:    fetchers,
		policy:      opts.Policy,
		taskTimeout: opts.TaskTimeout,
		onWrite:     onWrite,
		logger:      logger,
		inflight:    make(map[string]map[int]*task),
		tasks:       make(map[*task]struct{}),
	}, nil
}

// task 下载一段连续的分块 [first, last]。
type task struct {
	key    string
	fd     repo.FileDescriptor
	first  int
	last   int
	cancel context.CancelFunc

	// 以下字段由 Coordinator.mu 保护。
	waiters   map[*Completion]struct{}
	abandoned bool
}

// ChunkEvent 通知某个分块已落盘（Err 为 nil）或下载失败。
type ChunkEvent struct {
	Index int
	Err   error
}

// Completion 是 EnsurePresent 返回的句柄：区间内每个分块恰好产生一个事件，顺序不定。
type Completion struct {
	c     *Coordinator
	first int
	last  int

	events    chan ChunkEvent
	remaining int

	// 以下字段由 Coordinator.mu 保护。
	pending map[int]struct{}
	tasks   map[*task]struct{}
	closed  bool
}

func fileKey(fd repo.FileDescriptor) string {
	return fd.StorageKey() + "#" + fd.Fingerprint
}

// EnsurePresent 计算 rng 覆盖分块中缺失的部分：已有任务在下载的分块挂到该任务上，
// 其余缺失分块合并为最大连续区间，每段启动一个新任务。
func (c *Coordinator) EnsurePresent(ctx context.Context, fd repo.FileDescriptor, rng cache.ByteRange) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunkSize := c.store.ChunkSize()
	first, last, ok := cache.ChunkSpan(rng, chunkSize)
	w := &Completion{
		c:       c,
		first:   first,
		last:    last,
		pending: make(map[int]struct{}),
		tasks:   make(map[*task]struct{}),
	}
	if !ok {
		w.first, w.last = 0, -1
		w.events = make(chan ChunkEvent)
		return w, nil
	}
	w.remaining = last - first + 1
	w.events = make(chan ChunkEvent, w.remaining)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	presence, err := c.store.QueryPresence(fd, rng)
	if err != nil {
		return nil, err
	}
	for _, idx := range presence.Present {
		w.events <- ChunkEvent{Index: idx}
	}

	key := fileKey(fd)
	running := c.inflight[key]
	var missing []int
	for _, idx := range presence.Missing {
		if t := running[idx]; t != nil {
			w.pending[idx] = struct{}{}
			w.tasks[t] = struct{}{}
			t.waiters[w] = struct{}{}
			continue
		}
		missing = append(missing, idx)
	}
	if len(missing) == 0 {
		return w, nil
	}

	fetcher, ok := c.fetchers[fd.Hub]
	if !ok {
		c.detachLocked(w)
		return nil, fmt.Errorf("fetch: no upstream for hub %q", fd.Hub)
	}
	if running == nil {
		running = make(map[int]*task)
		c.inflight[key] = running
	}
	for _, run := range coalesce(missing) {
		t := c.startLocked(fetcher, key, fd, run[0], run[1])
		for idx := run[0]; idx <= run[1]; idx++ {
			running[idx] = t
			w.pending[idx] = struct{}{}
		}
		w.tasks[t] = struct{}{}
		t.waiters[w] = struct{}{}
	}
	return w, nil
}

// coalesce 把升序的分块序号合并为闭区间 [a, b] 列表。
func coalesce(indexes []int) [][2]int {
	var runs [][2]int
	for _, idx := range indexes {
		if n := len(runs); n > 0 && runs[n-1][1]+1 == idx {
			runs[n-1][1] = idx
			continue
		}
		runs = append(runs, [2]int{idx, idx})
	}
	return runs
}

// startLocked 注册并启动任务。任务上下文独立于发起请求，只在最后一个等待者离开时取消。
func (c *Coordinator) startLocked(fetcher Fetcher, key string, fd repo.FileDescriptor, first, last int) *task {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.taskTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t := &task{
		key:     key,
		fd:      fd,
		first:   first,
		last:    last,
		cancel:  cancel,
		waiters: make(map[*Completion]struct{}),
	}
	c.tasks[t] = struct{}{}
	c.wg.Add(1)
	go c.run(ctx, fetcher, t)
	return t
}

// ActiveTasks 返回当前仍在运行的下载任务数。
func (c *Coordinator) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Close 拒绝新的 EnsurePresent，取消全部运行中的任务并等待它们退出。
// 等待者收到取消错误；已落盘的分块保留。调用方应在关闭 Store 之前调用。
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for t := range c.tasks {
			t.cancel()
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, fetcher Fetcher, t *task) {
	defer c.wg.Done()
	defer t.cancel()

	fields := logrus.Fields{
		"action": "fetch_task",
		"hub":    t.fd.Hub,
		"key":    t.fd.StorageKey(),
		"chunks": fmt.Sprintf("%d-%d", t.first, t.last),
	}
	started := time.Now()
	next, err := c.download(ctx, fetcher, t)

	c.mu.Lock()
	if err != nil {
		err = taskError(ctx, err)
		for idx := next; idx <= t.last; idx++ {
			c.completeLocked(t, idx, err)
		}
	}
	delete(c.tasks, t)
	if running := c.inflight[t.key]; len(running) == 0 {
		delete(c.inflight, t.key)
	}
	c.mu.Unlock()

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["failed_from"] = next
		c.logger.WithFields(fields).WithError(err).Warn("fetch_task_failed")
		return
	}
	c.logger.WithFields(fields).Debug("fetch_task_complete")
}

// download 拉取并写入 [t.first, t.last]，返回第一个未完成的分块序号。
// 断流时从断点续传，次数受 policy 限制。
func (c *Coordinator) download(ctx context.Context, fetcher Fetcher, t *task) (int, error) {
	next := t.first
	if err := c.store.AcquireRef(t.fd); err != nil {
		return next, err
	}
	defer c.store.ReleaseRef(t.fd)

	chunkSize := c.store.ChunkSize()
	buf := make([]byte, chunkSize)
	delays := c.policy.Delays()
	resumes := 0

	for {
		rng := cache.ByteRange{
			Start: cache.ChunkBounds(next, t.fd.TotalSize, chunkSize).Start,
			End:   cache.ChunkBounds(t.last, t.fd.TotalSize, chunkSize).End,
		}
		body, err := fetcher.FetchRange(ctx, t.fd, rng)
		if err != nil {
			return next, err
		}
		next, err = c.consume(ctx, t, body, next, buf)
		body.Close()
		if err == nil {
			return next, nil
		}
		if !resumable(err) || resumes >= len(delays) || ctx.Err() != nil {
			return next, err
		}
		c.logger.WithFields(logrus.Fields{
			"action": "fetch_resume",
			"hub":    t.fd.Hub,
			"key":    t.fd.StorageKey(),
			"chunk":  next,
		}).WithError(err).Warn("fetch_resume")
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case <-time.After(delays[resumes]):
		}
		resumes++
	}
}

// consume 按分块切分响应体并逐块落盘，每块落盘后立即通知等待者。
func (c *Coordinator) consume(ctx context.Context, t *task, body io.Reader, next int, buf []byte) (int, error) {
	chunkSize := c.store.ChunkSize()
	for idx := next; idx <= t.last; idx++ {
		bounds := cache.ChunkBounds(idx, t.fd.TotalSize, chunkSize)
		data := buf[:bounds.Len()]
		if _, err := io.ReadFull(body, data); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return idx, ctxErr
			}
			return idx, fmt.Errorf("%w: read chunk %d: %v", upstream.ErrUnavailable, idx, err)
		}
		err := c.store.WriteChunk(ctx, t.fd, idx, data)
		if errors.Is(err, cache.ErrConcurrentWriteConflict) {
			// 已有分块胜出，等待者读取已落盘的内容。
			c.logger.WithFields(logrus.Fields{
				"action": "chunk_write",
				"hub":    t.fd.Hub,
				"key":    t.fd.StorageKey(),
				"chunk":  idx,
			}).Warn("chunk_write_conflict")
			err = nil
		}
		if err != nil {
			return idx, err
		}

		c.mu.Lock()
		c.completeLocked(t, idx, nil)
		c.mu.Unlock()
		c.onWrite()
	}
	return t.last + 1, nil
}

// completeLocked 把分块结果投递给关心该分块的等待者，并从注册表移除该分块。
func (c *Coordinator) completeLocked(t *task, idx int, err error) {
	if running := c.inflight[t.key]; running[idx] == t {
		delete(running, idx)
	}
	for w := range t.waiters {
		if _, ok := w.pending[idx]; !ok {
			continue
		}
		delete(w.pending, idx)
		w.events <- ChunkEvent{Index: idx, Err: err}
	}
}

// detachLocked 让等待者离开它挂靠的全部任务；任务没有等待者时被放弃并取消。
func (c *Coordinator) detachLocked(w *Completion) {
	if w.closed {
		return
	}
	w.closed = true
	for t := range w.tasks {
		delete(t.waiters, w)
		if len(t.waiters) > 0 || t.abandoned {
			continue
		}
		t.abandoned = true
		// 放弃的任务不再占用注册表，后续请求可以立即重新发起下载。
		if running := c.inflight[t.key]; running != nil {
			for idx := t.first; idx <= t.last; idx++ {
				if running[idx] == t {
					delete(running, idx)
				}
			}
			if len(running) == 0 {
				delete(c.inflight, t.key)
			}
		}
		t.cancel()
	}
	w.pending = nil
	w.tasks = nil
}

func resumable(err error) bool {
	return errors.Is(err, upstream.ErrUnavailable) || errors.Is(err, upstream.ErrTimeout)
}

// taskError 把任务级超时统一为 upstream.ErrTimeout。
func taskError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, upstream.ErrTimeout) {
		return fmt.Errorf("%w: %v", upstream.ErrTimeout, err)
	}
	return err
}

// Range returns the inclusive chunk span this completion reports on; empty when last < first.
func (w *Completion) Range() (first, last int) {
	return w.first, w.last
}

// Next 等待下一个分块事件；全部事件投递完毕后返回 io.EOF。
func (w *Completion) Next(ctx context.Context) (ChunkEvent, error) {
	if w.remaining <= 0 {
		return ChunkEvent{}, io.EOF
	}
	select {
	case ev := <-w.events:
		w.remaining--
		return ev, nil
	case <-ctx.Done():
		return ChunkEvent{}, ctx.Err()
	}
}

// Close 释放句柄。若它是某个任务的最后一个等待者，该任务被取消，已落盘分块保留。
func (w *Completion) Close() {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	w.c.detachLocked(w)
}
