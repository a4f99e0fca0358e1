package proxy

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/fetch"
	"github.com/any-hub/hub-mirror/internal/repo"
	"github.com/any-hub/hub-mirror/internal/upstream"
)

type memorySource struct {
	data []byte
}

func (m memorySource) ChunkSize() int64 { return testChunkSize }

func (m memorySource) ReadChunks(_ context.Context, fd repo.FileDescriptor, indexes []int) ([]cache.Chunk, error) {
	out := make([]cache.Chunk, 0, len(indexes))
	for _, idx := range indexes {
		b := cache.ChunkBounds(idx, int64(len(m.data)), testChunkSize)
		out = append(out, cache.Chunk{Index: idx, Data: m.data[b.Start:b.End]})
	}
	return out, nil
}

// scriptedEvents 按给定顺序投递分块事件。
type scriptedEvents struct {
	events []fetch.ChunkEvent
	closed bool
}

func (s *scriptedEvents) Next(ctx context.Context) (fetch.ChunkEvent, error) {
	if len(s.events) == 0 {
		return fetch.ChunkEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedEvents) Close() { s.closed = true }

func TestChunkStreamReordersOutOfOrderCompletions(t *testing.T) {
	data := payload(100)
	fd := repo.FileDescriptor{TotalSize: int64(len(data))}
	rng := cache.ByteRange{Start: 40, End: 95}

	// 区间覆盖分块 2..5：5 最先完成，3 最后完成。
	events := &scriptedEvents{events: []fetch.ChunkEvent{{Index: 5}, {Index: 2}, {Index: 4}, {Index: 3}}}
	var served int64
	var closeErr error
	stream := newChunkStream(memorySource{data: data}, events, fd, rng, func(n int64, err error) {
		served, closeErr = n, err
	})

	if err := stream.prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if string(got) != string(data[40:95]) {
		t.Fatalf("stream out of order:\n got %v\nwant %v", got, data[40:95])
	}
	if served != 55 || closeErr != nil {
		t.Fatalf("unexpected close report served=%d err=%v", served, closeErr)
	}
	if !events.closed {
		t.Fatalf("completion handle not released")
	}
}

func TestChunkStreamPropagatesChunkError(t *testing.T) {
	data := payload(64)
	fd := repo.FileDescriptor{TotalSize: int64(len(data))}
	events := &scriptedEvents{events: []fetch.ChunkEvent{{Index: 0}, {Index: 1, Err: upstream.ErrTimeout}}}

	var closeErr error
	stream := newChunkStream(memorySource{data: data}, events, fd, cache.FullRange(64), func(_ int64, err error) {
		closeErr = err
	})
	if err := stream.prime(); err != nil {
		t.Fatalf("first chunk should prime: %v", err)
	}
	got, err := io.ReadAll(stream)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if string(got) != string(data[:16]) {
		t.Fatalf("expected only the first chunk before failure, got %d bytes", len(got))
	}
	_ = stream.Close()
	if !errors.Is(closeErr, upstream.ErrTimeout) {
		t.Fatalf("close should report the stream error, got %v", closeErr)
	}
}

func TestChunkStreamReportsAbortedClient(t *testing.T) {
	data := payload(64)
	fd := repo.FileDescriptor{TotalSize: int64(len(data))}
	events := &scriptedEvents{events: []fetch.ChunkEvent{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}}

	var closeErr error
	stream := newChunkStream(memorySource{data: data}, events, fd, cache.FullRange(64), func(_ int64, err error) {
		closeErr = err
	})
	buf := make([]byte, 10)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = stream.Close()
	_ = stream.Close()
	if !errors.Is(closeErr, errStreamAborted) {
		t.Fatalf("expected aborted stream, got %v", closeErr)
	}
}

func TestChunkStreamEmptyRange(t *testing.T) {
	events := &scriptedEvents{}
	stream := newChunkStream(memorySource{}, events, repo.FileDescriptor{}, cache.ByteRange{}, nil)
	if err := stream.prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}
	n, err := stream.Read(make([]byte, 4))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected immediate EOF, got %d %v", n, err)
	}
	_ = stream.Close()
}

func TestReorderWindow(t *testing.T) {
	w := newReorderWindow(3)
	w.Add(5)
	w.Add(4)
	w.Add(1)
	if _, ok := w.Pop(); ok {
		t.Fatalf("chunk 3 not ready yet")
	}
	if w.Buffered() != 2 {
		t.Fatalf("expected 2 buffered, got %d", w.Buffered())
	}
	w.Add(3)
	for _, want := range []int{3, 4, 5} {
		got, ok := w.Pop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (%v)", want, got, ok)
		}
	}
}
