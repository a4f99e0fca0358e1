package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/any-hub/hub-mirror/internal/repo"
)

const (
	filesDir     = "files"
	indexDir     = ".index"
	payloadExt   = ".chunks"
	slotStripes  = 64
	defaultPerms = 0o755
)

// NewStore 以 basePath 为根目录构建分块缓存，整站复用一份实例。
// 启动时从索引恢复条目，丢弃载荷文件缺失的记录并清理无主载荷。
func NewStore(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	files := filepath.Join(abs, filesDir)
	if err := os.MkdirAll(files, defaultPerms); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	ix, err := openIndex(filepath.Join(abs, indexDir))
	if err != nil {
		return nil, err
	}

	s := &chunkStore{
		basePath:  abs,
		filesPath: files,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		logger:    opts.Logger,
		index:     ix,
		entries:   make(map[string]*entry),
		retired:   make(map[string]*entry),
	}
	if err := s.reload(); err != nil {
		ix.close()
		return nil, err
	}
	return s, nil
}

// chunkStore 以 entry 为单位管理载荷文件；mu 只保护条目表与引用计数，
// 分块读写使用条目自身的锁与分块槽位锁。
type chunkStore struct {
	basePath  string
	filesPath string
	chunkSize int64
	now       func() time.Time
	logger    *logrus.Logger
	index     *index

	mu      sync.RWMutex
	entries map[string]*entry
	// retired 保存被新指纹替换但仍有引用的旧代条目，键为 key + "@" + generation。
	retired map[string]*entry

	total atomic.Int64
	seq   atomic.Uint64
}

type entry struct {
	key        string
	generation string
	desc       repo.FileDescriptor
	dataPath   string
	chunkCount int

	// 以下字段由 chunkStore.mu 保护。
	refs    int
	retired bool
	removed atomic.Bool

	mu          sync.RWMutex
	present     *roaring.Bitmap
	digests     map[int][32]byte
	bytesCached int64
	lastAccess  time.Time
	accessCount int64
	accessSeq   uint64
	createdAt   time.Time

	// persistMu 保证同一条目的记录按快照顺序落盘。
	persistMu sync.Mutex
	slots     [slotStripes]sync.Mutex

	fileMu sync.Mutex
	file   *os.File
}

func retiredKey(key, generation string) string {
	return key + "@" + generation
}

func (s *chunkStore) ChunkSize() int64 {
	return s.chunkSize
}

func (s *chunkStore) TotalBytes() int64 {
	return s.total.Load()
}

func (s *chunkStore) OpenOrCreate(ctx context.Context, fd repo.FileDescriptor) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if err := validateDescriptor(fd); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[fd.StorageKey()]
	if current != nil && current.desc.SameContent(fd) {
		return current.snapshot(current.refs), nil
	}
	reset := current != nil
	e, err := s.createLocked(fd)
	if err != nil {
		return Entry{}, err
	}
	snap := e.snapshot(e.refs)
	snap.Reset = reset
	return snap, nil
}

// createLocked 创建新一代条目；若存在旧代，先将其退役或直接删除。调用方持有 s.mu。
func (s *chunkStore) createLocked(fd repo.FileDescriptor) (*entry, error) {
	key := fd.StorageKey()
	generation := generationOf(fd)
	dataPath, err := s.payloadPath(fd, generation)
	if err != nil {
		return nil, err
	}

	if old := s.entries[key]; old != nil {
		s.retireLocked(old)
	}
	// 指纹回退到仍被引用的旧代时直接复用该代，两者共享同一载荷文件。
	if prev := s.retired[retiredKey(key, generation)]; prev != nil {
		delete(s.retired, retiredKey(key, generation))
		prev.retired = false
		if err := s.index.replace(key, prev.record(s.chunkSize)); err != nil {
			return nil, fmt.Errorf("persist cache entry %s: %w", key, err)
		}
		if err := s.restoreDigests(prev); err != nil {
			return nil, err
		}
		s.entries[key] = prev
		return prev, nil
	}

	now := s.now().UTC()
	e := &entry{
		key:        key,
		generation: generation,
		desc:       fd,
		dataPath:   dataPath,
		chunkCount: ChunkCount(fd.TotalSize, s.chunkSize),
		present:    roaring.New(),
		digests:    make(map[int][32]byte),
		lastAccess: now,
		createdAt:  now,
	}
	if err := s.index.replace(key, e.record(s.chunkSize)); err != nil {
		return nil, fmt.Errorf("persist cache entry %s: %w", key, err)
	}
	s.entries[key] = e
	return e, nil
}

// retireLocked 将旧代条目移出条目表；仍被引用时保留到最后一次 ReleaseRef，
// 期间其载荷仍占用磁盘，字节数继续计入 total。
func (s *chunkStore) retireLocked(old *entry) {
	delete(s.entries, old.key)
	old.retired = true
	if old.refs > 0 {
		s.retired[retiredKey(old.key, old.generation)] = old
		return
	}
	s.dropLocked(old)
}

// dropLocked 删除退役条目的载荷并从 total 扣除其字节数。
func (s *chunkStore) dropLocked(e *entry) {
	e.mu.RLock()
	s.total.Add(-e.bytesCached)
	e.mu.RUnlock()
	e.removed.Store(true)
	e.discard()
}

// lookupLocked 找到与描述符同代的条目；只存在其他代时返回 ErrIntegrityReset。
func (s *chunkStore) lookupLocked(fd repo.FileDescriptor) (*entry, error) {
	key := fd.StorageKey()
	current := s.entries[key]
	if current != nil && current.desc.SameContent(fd) {
		return current, nil
	}
	if old := s.retired[retiredKey(key, generationOf(fd))]; old != nil {
		return old, nil
	}
	if current != nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityReset, key)
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
}

func (s *chunkStore) entryFor(fd repo.FileDescriptor) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(fd)
}

func (s *chunkStore) ReadChunks(ctx context.Context, fd repo.FileDescriptor, indexes []int) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.entryFor(fd)
	if err != nil {
		return nil, err
	}

	out := make([]Chunk, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 0 || idx >= e.chunkCount {
			return nil, fmt.Errorf("chunk %d out of range for %s", idx, e.key)
		}
		e.mu.RLock()
		ok := e.present.Contains(uint32(idx))
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d of %s", ErrChunkAbsent, idx, e.key)
		}

		bounds := ChunkBounds(idx, e.desc.TotalSize, s.chunkSize)
		buf := make([]byte, bounds.Len())
		f, err := e.openFile()
		if err != nil {
			return nil, err
		}
		n, err := f.ReadAt(buf, bounds.Start)
		if n != len(buf) {
			if err == nil {
				err = errors.New("short read")
			}
			return nil, fmt.Errorf("read chunk %d of %s: %w", idx, e.key, err)
		}
		out = append(out, Chunk{Index: idx, Data: buf})
	}
	return out, nil
}

func (s *chunkStore) WriteChunk(ctx context.Context, fd repo.FileDescriptor, idx int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.entryFor(fd)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= e.chunkCount {
		return fmt.Errorf("chunk %d out of range for %s", idx, e.key)
	}
	bounds := ChunkBounds(idx, e.desc.TotalSize, s.chunkSize)
	if int64(len(data)) != bounds.Len() {
		return fmt.Errorf("chunk %d of %s: got %d bytes, want %d", idx, e.key, len(data), bounds.Len())
	}
	digest := blake3.Sum256(data)

	slot := &e.slots[idx%slotStripes]
	slot.Lock()
	defer slot.Unlock()

	e.mu.RLock()
	existing, ok := e.digests[idx]
	e.mu.RUnlock()
	if ok {
		if existing == digest {
			return nil
		}
		return fmt.Errorf("%w: chunk %d of %s", ErrConcurrentWriteConflict, idx, e.key)
	}

	f, err := e.openFile()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, bounds.Start); err != nil {
		return fmt.Errorf("write chunk %d of %s: %w", idx, e.key, err)
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	s.mu.RLock()
	if e.retired || e.removed.Load() {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrIntegrityReset, e.key)
	}
	e.mu.Lock()
	e.present.Add(uint32(idx))
	e.digests[idx] = digest
	e.bytesCached += int64(len(data))
	rec := e.recordLocked(s.chunkSize)
	e.mu.Unlock()
	s.total.Add(int64(len(data)))
	s.mu.RUnlock()

	if err := s.index.putChunk(e.key, rec, idx, digest); err != nil {
		return fmt.Errorf("persist chunk %d of %s: %w", idx, e.key, err)
	}
	return nil
}

func (s *chunkStore) QueryPresence(fd repo.FileDescriptor, rng ByteRange) (Presence, error) {
	if err := rng.Validate(fd.TotalSize); err != nil {
		return Presence{}, err
	}
	first, last, ok := ChunkSpan(rng, s.chunkSize)
	presence := Presence{First: first, Last: last}
	if !ok {
		return presence, nil
	}

	e, err := s.entryFor(fd)
	if errors.Is(err, ErrEntryNotFound) {
		for i := first; i <= last; i++ {
			presence.Missing = append(presence.Missing, i)
		}
		return presence, nil
	}
	if err != nil {
		return Presence{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := first; i <= last; i++ {
		if e.present.Contains(uint32(i)) {
			presence.Present = append(presence.Present, i)
		} else {
			presence.Missing = append(presence.Missing, i)
		}
	}
	return presence, nil
}

func (s *chunkStore) AcquireRef(fd repo.FileDescriptor) error {
	if err := validateDescriptor(fd); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(fd)
	if errors.Is(err, ErrEntryNotFound) {
		e, err = s.createLocked(fd)
	}
	if err != nil {
		return err
	}
	e.refs++
	return nil
}

func (s *chunkStore) ReleaseRef(fd repo.FileDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(fd)
	if err != nil || e.refs == 0 {
		return
	}
	e.refs--
	if e.retired && e.refs == 0 {
		delete(s.retired, retiredKey(e.key, e.generation))
		s.dropLocked(e)
	}
}

func (s *chunkStore) Touch(fd repo.FileDescriptor) {
	e, err := s.entryFor(fd)
	if err != nil {
		return
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	e.lastAccess = s.now().UTC()
	e.accessCount++
	e.accessSeq = s.seq.Add(1)
	rec := e.recordLocked(s.chunkSize)
	e.mu.Unlock()

	if e.removed.Load() {
		return
	}
	// 访问统计落盘失败不影响读路径。
	_ = s.index.put(e.key, rec)
}

func (s *chunkStore) Lookup(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key]
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(e.refs), true
}

func (s *chunkStore) Snapshot() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot(e.refs))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *chunkStore) Evict(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return 0, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	if e.refs > 0 {
		return 0, fmt.Errorf("%w: %s", ErrEntryInUse, key)
	}

	e.mu.RLock()
	freed := e.bytesCached
	e.mu.RUnlock()

	delete(s.entries, key)
	e.removed.Store(true)
	s.total.Add(-freed)
	e.discard()
	if err := s.index.remove(key); err != nil {
		return freed, fmt.Errorf("remove cache record %s: %w", key, err)
	}
	s.pruneDirs(filepath.Dir(e.dataPath))
	return freed, nil
}

func (s *chunkStore) Close() error {
	s.mu.Lock()
	for _, e := range s.entries {
		e.closeFile()
	}
	for _, e := range s.retired {
		e.closeFile()
	}
	s.mu.Unlock()
	return s.index.close()
}

// reload 从索引恢复条目。分块大小变化、位图越界或载荷缺失的记录直接丢弃；
// bytes_cached 与位图不一致时以位图为准并回写修复后的记录。
func (s *chunkStore) reload() error {
	records, digests, err := s.index.loadAll()
	if err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}

	known := make(map[string]struct{}, len(records))
	for key, rec := range records {
		dataPath, err := s.payloadPath(rec.Descriptor, rec.Generation)
		if err != nil || rec.ChunkSize != s.chunkSize {
			_ = s.index.remove(key)
			if err == nil {
				_ = os.Remove(dataPath)
			}
			continue
		}
		present := roaring.New()
		if len(rec.Bitmap) > 0 {
			if err := present.UnmarshalBinary(rec.Bitmap); err != nil {
				_ = s.index.remove(key)
				continue
			}
		}
		chunkCount := ChunkCount(rec.Descriptor.TotalSize, s.chunkSize)
		actual, ok := presentBytes(present, rec.Descriptor.TotalSize, s.chunkSize, chunkCount)
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"action": "cache_reload",
				"key":    key,
			}).Warn("cache_record_out_of_range")
			_ = s.index.remove(key)
			_ = os.Remove(dataPath)
			continue
		}
		if actual > 0 {
			if _, err := os.Stat(dataPath); err != nil {
				_ = s.index.remove(key)
				continue
			}
		}
		repaired := actual != rec.BytesCached
		if repaired {
			s.logger.WithFields(logrus.Fields{
				"action":   "cache_reload",
				"key":      key,
				"recorded": rec.BytesCached,
				"actual":   actual,
			}).Warn("cache_bytes_repaired")
			rec.BytesCached = actual
		}

		entryDigests := digests[key]
		if entryDigests == nil {
			entryDigests = make(map[int][32]byte)
		}
		e := &entry{
			key:         key,
			generation:  rec.Generation,
			desc:        rec.Descriptor,
			dataPath:    dataPath,
			chunkCount:  chunkCount,
			present:     present,
			digests:     entryDigests,
			bytesCached: rec.BytesCached,
			lastAccess:  time.Unix(0, rec.LastAccess).UTC(),
			accessCount: rec.AccessCount,
			accessSeq:   rec.AccessSeq,
			createdAt:   time.Unix(0, rec.CreatedAt).UTC(),
		}
		if repaired {
			_ = s.index.put(key, rec)
		}
		s.entries[key] = e
		s.total.Add(e.bytesCached)
		if e.accessSeq > s.seq.Load() {
			s.seq.Store(e.accessSeq)
		}
		known[dataPath] = struct{}{}
	}

	return filepath.WalkDir(s.filesPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(p, payloadExt) {
			return nil
		}
		if _, ok := known[p]; !ok {
			_ = os.Remove(p)
		}
		return nil
	})
}

// presentBytes 按位图累加分块长度；出现越界序号时返回 false。
func presentBytes(present *roaring.Bitmap, totalSize, chunkSize int64, chunkCount int) (int64, bool) {
	var sum int64
	it := present.Iterator()
	for it.HasNext() {
		idx := int(it.Next())
		if idx >= chunkCount {
			return 0, false
		}
		sum += ChunkBounds(idx, totalSize, chunkSize).Len()
	}
	return sum, true
}

// restoreDigests 把复用条目的分块摘要重新写回索引。
func (s *chunkStore) restoreDigests(e *entry) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec := e.recordLocked(s.chunkSize)
	for idx, digest := range e.digests {
		if err := s.index.putChunk(e.key, rec, idx, digest); err != nil {
			return fmt.Errorf("persist chunk %d of %s: %w", idx, e.key, err)
		}
	}
	return nil
}

// payloadPath 生成载荷文件路径，并确保结果不会逃逸出 files 目录。
func (s *chunkStore) payloadPath(fd repo.FileDescriptor, generation string) (string, error) {
	if fd.Hub == "" {
		return "", errors.New("hub name required")
	}
	rel := path.Clean("/" + fd.StorageKey())
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", errors.New("invalid cache path")
	}
	filePath := filepath.Join(s.filesPath, filepath.FromSlash(rel)) + "." + generation + payloadExt
	if !strings.HasPrefix(filePath, filepath.Join(s.filesPath, fd.Hub)+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// pruneDirs 自下而上删除空目录，止于 files 根目录。
func (s *chunkStore) pruneDirs(dir string) {
	for dir != s.filesPath && strings.HasPrefix(dir, s.filesPath) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func validateDescriptor(fd repo.FileDescriptor) error {
	if fd.Hub == "" {
		return errors.New("hub name required")
	}
	if fd.TotalSize < 0 {
		return fmt.Errorf("invalid size %d for %s", fd.TotalSize, fd.Path)
	}
	if fd.Fingerprint == "" {
		return fmt.Errorf("missing fingerprint for %s", fd.Path)
	}
	return nil
}

func (e *entry) openFile() (*os.File, error) {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	if e.removed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, e.key)
	}
	if e.file != nil {
		return e.file, nil
	}
	if err := os.MkdirAll(filepath.Dir(e.dataPath), defaultPerms); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(e.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", e.key, err)
	}
	e.file = f
	return f, nil
}

func (e *entry) closeFile() {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
}

// discard 关闭并删除载荷文件。
func (e *entry) discard() {
	e.closeFile()
	if err := os.Remove(e.dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return
	}
}

func (e *entry) snapshot(refs int) Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	present := make([]int, 0, e.present.GetCardinality())
	it := e.present.Iterator()
	for it.HasNext() {
		present = append(present, int(it.Next()))
	}
	return Entry{
		Key:         e.key,
		Descriptor:  e.desc,
		ChunkCount:  e.chunkCount,
		Present:     present,
		BytesCached: e.bytesCached,
		LastAccess:  e.lastAccess,
		AccessCount: e.accessCount,
		AccessSeq:   e.accessSeq,
		CreatedAt:   e.createdAt,
		Refs:        refs,
	}
}

func (e *entry) record(chunkSize int64) record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recordLocked(chunkSize)
}

func (e *entry) recordLocked(chunkSize int64) record {
	bitmap, _ := e.present.ToBytes()
	return record{
		Descriptor:  e.desc,
		Generation:  e.generation,
		ChunkSize:   chunkSize,
		Bitmap:      bitmap,
		BytesCached: e.bytesCached,
		LastAccess:  e.lastAccess.UnixNano(),
		AccessCount: e.accessCount,
		AccessSeq:   e.accessSeq,
		CreatedAt:   e.createdAt.UnixNano(),
	}
}
