package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/repo"
)

// Store 负责管理分块缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/files/<hub>/<kind>/<org>/<name>/<rev>/<path>.<generation>.chunks
//	<StoragePath>/.index/                                      # badger 条目索引
//
// 同一文件的不同指纹代（generation）使用不同的载荷文件，避免新旧分块混杂。
type Store interface {
	// OpenOrCreate 幂等地打开条目；若已有条目指纹不同，则原子地丢弃旧分块并返回 Reset=true 的条目。
	OpenOrCreate(ctx context.Context, fd repo.FileDescriptor) (Entry, error)

	// ReadChunks 按请求顺序返回分块内容；任何一个分块缺失都会返回 ErrChunkAbsent。
	ReadChunks(ctx context.Context, fd repo.FileDescriptor, indexes []int) ([]Chunk, error)

	// WriteChunk 写入单个分块。相同内容重复写入静默成功；内容不同返回 ErrConcurrentWriteConflict。
	WriteChunk(ctx context.Context, fd repo.FileDescriptor, index int, data []byte) error

	// QueryPresence 计算覆盖字节区间的分块中哪些已存在、哪些缺失。
	QueryPresence(fd repo.FileDescriptor, rng ByteRange) (Presence, error)

	// AcquireRef 增加条目引用计数（条目不存在时会先创建）；引用存在期间条目不会被淘汰。
	AcquireRef(fd repo.FileDescriptor) error
	// ReleaseRef 释放一次引用。
	ReleaseRef(fd repo.FileDescriptor)
	// Touch 记录一次访问，更新 last_access_time 与 access_count。
	Touch(fd repo.FileDescriptor)

	// Lookup 返回 (hub, repo, path) 对应的当前条目，不修改任何状态。
	Lookup(key string) (Entry, bool)
	// Snapshot 返回全部条目的只读快照，供淘汰与统计使用。
	Snapshot() []Entry
	// Evict 原子地删除条目及其全部分块；存在引用时返回 ErrEntryInUse。
	Evict(ctx context.Context, key string) (int64, error)
	// TotalBytes 返回所有条目已缓存字节数之和，包括仍被引用、尚未删除的退役代。
	TotalBytes() int64
	// ChunkSize 返回分块大小。
	ChunkSize() int64

	Close() error
}

// Options 控制 Store 的可选参数。
type Options struct {
	ChunkSize int64
	// Now 允许测试注入时钟，默认 time.Now。
	Now func() time.Time
	// Logger 记录启动恢复时丢弃或修复的记录，默认 logrus 标准 logger。
	Logger *logrus.Logger
}

// DefaultChunkSize 是未配置时的分块大小。
const DefaultChunkSize int64 = 8 << 20

// Entry 是缓存条目的只读快照。
type Entry struct {
	Key         string              `json:"key"`
	Descriptor  repo.FileDescriptor `json:"descriptor"`
	ChunkCount  int                 `json:"chunk_count"`
	Present     []int               `json:"-"`
	BytesCached int64               `json:"bytes_cached"`
	LastAccess  time.Time           `json:"last_access"`
	AccessCount int64               `json:"access_count"`
	// AccessSeq 是全局单调递增的访问序号，用于在访问时间相同的条目之间稳定排序。
	AccessSeq uint64    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Refs      int       `json:"refs"`
	// Reset 仅在 OpenOrCreate 因指纹变化重建条目时为 true。
	Reset bool `json:"-"`
}

// Complete 表示全部分块都已缓存。
func (e Entry) Complete() bool {
	return len(e.Present) == e.ChunkCount
}

// Chunk 是 ReadChunks 的返回单元。
type Chunk struct {
	Index int
	Data  []byte
}

// Presence 描述一个字节区间对应分块的命中情况，First/Last 为闭区间。
type Presence struct {
	First   int
	Last    int
	Present []int
	Missing []int
}

var (
	// ErrChunkAbsent 表示读取了尚未缓存的分块。
	ErrChunkAbsent = errors.New("chunk absent")
	// ErrConcurrentWriteConflict 表示两个写入者对同一分块给出了不同内容，已有数据保留。
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")
	// ErrIntegrityReset 表示描述符指向的指纹代已被新指纹替换。
	ErrIntegrityReset = errors.New("integrity reset")
	// ErrEntryInUse 表示条目仍被引用，不能淘汰。
	ErrEntryInUse = errors.New("cache entry in use")
	// ErrEntryNotFound 表示条目不存在。
	ErrEntryNotFound = errors.New("cache entry not found")
)
