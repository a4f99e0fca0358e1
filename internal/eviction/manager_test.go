package eviction

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/repo"
)

type fixture struct {
	store cache.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	store, err := cache.NewStore(t.TempDir(), cache.Options{ChunkSize: 16, Now: func() time.Time { return f.now }})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store
	return f
}

func descriptor(name string) repo.FileDescriptor {
	return repo.FileDescriptor{
		Hub:         "hf",
		Repo:        repo.Identity{Kind: repo.KindModel, Organization: "acme", Name: name, Revision: "main"},
		Path:        "weights.bin",
		TotalSize:   32,
		Fingerprint: "fp-" + name,
	}
}

// cacheFile 写满一个 32 字节文件，并在当前时钟记录一次访问。
func (f *fixture) cacheFile(t *testing.T, name string) repo.FileDescriptor {
	t.Helper()
	fd := descriptor(name)
	_, err := f.store.OpenOrCreate(context.Background(), fd)
	require.NoError(t, err)
	require.NoError(t, f.store.WriteChunk(context.Background(), fd, 0, make([]byte, 16)))
	require.NoError(t, f.store.WriteChunk(context.Background(), fd, 1, make([]byte, 16)))
	f.store.Touch(fd)
	return fd
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func remainingNames(store cache.Store) []string {
	var out []string
	for _, e := range store.Snapshot() {
		out = append(out, e.Descriptor.Repo.Name)
	}
	return out
}

func TestMaybeEvictRemovesLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		f.cacheFile(t, name)
		f.now = f.now.Add(time.Minute)
	}
	// b 最近被访问，a 成为最旧的条目之后是 c。
	f.store.Touch(descriptor("b"))

	m := NewManager(f.store, 64, quietLogger())
	evicted, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{descriptor("a").StorageKey(), descriptor("c").StorageKey()}, evicted)
	require.ElementsMatch(t, []string{"b", "d"}, remainingNames(f.store))
	require.EqualValues(t, 64, f.store.TotalBytes())
}

func TestMaybeEvictTieBreaksByAccessOrder(t *testing.T) {
	f := newFixture(t)
	f.cacheFile(t, "first")
	f.cacheFile(t, "second")
	f.cacheFile(t, "third")

	m := NewManager(f.store, 64, quietLogger())
	_, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"second", "third"}, remainingNames(f.store))
}

func TestMaybeEvictSkipsReferencedEntries(t *testing.T) {
	f := newFixture(t)
	oldest := f.cacheFile(t, "a")
	f.now = f.now.Add(time.Minute)
	f.cacheFile(t, "b")
	f.now = f.now.Add(time.Minute)
	f.cacheFile(t, "c")

	require.NoError(t, f.store.AcquireRef(oldest))
	m := NewManager(f.store, 64, quietLogger())
	_, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, remainingNames(f.store))
	f.store.ReleaseRef(oldest)
}

func TestMaybeEvictReportsCapacityPressure(t *testing.T) {
	f := newFixture(t)
	a := f.cacheFile(t, "a")
	b := f.cacheFile(t, "b")
	require.NoError(t, f.store.AcquireRef(a))
	require.NoError(t, f.store.AcquireRef(b))

	m := NewManager(f.store, 16, quietLogger())
	evicted, err := m.MaybeEvict(context.Background())
	require.ErrorIs(t, err, ErrCapacityPressure)
	require.Empty(t, evicted)
	require.Len(t, f.store.Snapshot(), 2)
}

func TestMaybeEvictUnboundedCapacity(t *testing.T) {
	f := newFixture(t)
	f.cacheFile(t, "a")
	m := NewManager(f.store, 0, quietLogger())
	evicted, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	require.Empty(t, evicted)
	require.Len(t, f.store.Snapshot(), 1)
}

func TestRunEvictsOnNotify(t *testing.T) {
	f := newFixture(t)
	f.cacheFile(t, "a")
	f.now = f.now.Add(time.Minute)
	f.cacheFile(t, "b")

	m := NewManager(f.store, 32, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Notify()
	m.Notify()
	require.Eventually(t, func() bool { return len(f.store.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"b"}, remainingNames(f.store))
}

func TestReCacheAfterEvictionIsIdentical(t *testing.T) {
	f := newFixture(t)
	fd := descriptor("a")
	payload := []byte("0123456789abcdefFEDCBA9876543210")
	write := func() {
		_, err := f.store.OpenOrCreate(context.Background(), fd)
		require.NoError(t, err)
		require.NoError(t, f.store.WriteChunk(context.Background(), fd, 0, payload[:16]))
		require.NoError(t, f.store.WriteChunk(context.Background(), fd, 1, payload[16:]))
	}
	read := func() []byte {
		chunks, err := f.store.ReadChunks(context.Background(), fd, []int{0, 1})
		require.NoError(t, err)
		return append(append([]byte(nil), chunks[0].Data...), chunks[1].Data...)
	}

	write()
	before := read()
	_, err := f.store.Evict(context.Background(), fd.StorageKey())
	require.NoError(t, err)
	write()
	require.Equal(t, before, read())
	require.Equal(t, payload, before)
}
