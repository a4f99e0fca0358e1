package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/fetch"
	"github.com/any-hub/hub-mirror/internal/repo"
)

// reorderWindow 记录已完成但尚未输出的分块序号，只按升序放行。
type reorderWindow struct {
	next  int
	ready map[int]struct{}
}

func newReorderWindow(first int) *reorderWindow {
	return &reorderWindow{next: first, ready: make(map[int]struct{})}
}

// Add 标记分块已就绪；早于 next 的序号被忽略。
func (w *reorderWindow) Add(idx int) {
	if idx < w.next {
		return
	}
	w.ready[idx] = struct{}{}
}

// Pop 在下一个待输出分块就绪时返回它并前移窗口。
func (w *reorderWindow) Pop() (int, bool) {
	if _, ok := w.ready[w.next]; !ok {
		return 0, false
	}
	idx := w.next
	delete(w.ready, idx)
	w.next++
	return idx, true
}

// Buffered 返回窗口中等待输出的分块数。
func (w *reorderWindow) Buffered() int {
	return len(w.ready)
}

// chunkSource 是 chunkStream 读取分块内容所需的最小接口。
type chunkSource interface {
	ReadChunks(ctx context.Context, fd repo.FileDescriptor, indexes []int) ([]cache.Chunk, error)
	ChunkSize() int64
}

// chunkEvents 是 *fetch.Completion 的抽象，便于测试注入乱序事件。
type chunkEvents interface {
	Next(ctx context.Context) (fetch.ChunkEvent, error)
	Close()
}

// chunkStream 把乱序完成的分块事件整理为按偏移递增的字节流。
// Close 必须被调用恰好一次以上：它取消等待、释放句柄并触发 onClose。
type chunkStream struct {
	source    chunkSource
	events    chunkEvents
	fd        repo.FileDescriptor
	rng       cache.ByteRange
	chunkSize int64
	last      int

	ctx    context.Context
	cancel context.CancelFunc
	window *reorderWindow

	buf    []byte
	served int64
	err    error

	closeOnce sync.Once
	onClose   func(served int64, err error)
}

func newChunkStream(source chunkSource, events chunkEvents, fd repo.FileDescriptor, rng cache.ByteRange, onClose func(int64, error)) *chunkStream {
	chunkSize := source.ChunkSize()
	first, last, ok := cache.ChunkSpan(rng, chunkSize)
	if !ok {
		first, last = 0, -1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &chunkStream{
		source:    source,
		events:    events,
		fd:        fd,
		rng:       rng,
		chunkSize: chunkSize,
		last:      last,
		ctx:       ctx,
		cancel:    cancel,
		window:    newReorderWindow(first),
		onClose:   onClose,
	}
}

// prime 在发送响应头之前等待首个分块，使早期失败仍能映射成错误状态码。
func (s *chunkStream) prime() error {
	if len(s.buf) > 0 || s.done() {
		return nil
	}
	if err := s.fill(); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *chunkStream) done() bool {
	return s.window.next > s.last
}

func (s *chunkStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.done() {
			s.err = io.EOF
			continue
		}
		if err := s.fill(); err != nil {
			s.err = err
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.served += int64(n)
	return n, nil
}

// fill 装载下一个应输出的分块，必要时等待协调器的完成事件。
func (s *chunkStream) fill() error {
	for {
		if idx, ok := s.window.Pop(); ok {
			return s.load(idx)
		}
		ev, err := s.events.Next(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("chunk %d never completed: %w", s.window.next, io.ErrUnexpectedEOF)
			}
			return err
		}
		if ev.Err != nil {
			return ev.Err
		}
		s.window.Add(ev.Index)
	}
}

func (s *chunkStream) load(idx int) error {
	chunks, err := s.source.ReadChunks(s.ctx, s.fd, []int{idx})
	if err != nil {
		return err
	}
	bounds := cache.ChunkBounds(idx, s.fd.TotalSize, s.chunkSize)
	start := max(s.rng.Start, bounds.Start) - bounds.Start
	end := min(s.rng.End, bounds.End) - bounds.Start
	data := chunks[0].Data
	if int64(len(data)) < end {
		return fmt.Errorf("chunk %d short read: %d bytes", idx, len(data))
	}
	s.buf = data[start:end]
	return nil
}

// Close 停止向该客户端输出。底层下载任务只有在没有其他等待者时才会被取消。
func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.events.Close()
		err := s.err
		if errors.Is(err, io.EOF) {
			err = nil
		} else if err == nil && (!s.done() || len(s.buf) > 0) {
			err = errStreamAborted
		}
		if s.onClose != nil {
			s.onClose(s.served, err)
		}
	})
	return nil
}

// errStreamAborted 表示客户端在响应结束前断开。
var errStreamAborted = errors.New("client aborted stream")
