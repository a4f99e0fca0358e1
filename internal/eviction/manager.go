// Package eviction 按最近最少使用顺序整文件删除缓存，使分块缓存保持在配置容量之内。
package eviction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/cache"
)

// ErrCapacityPressure 表示所有可淘汰条目都已删除，缓存仍超出容量。
var ErrCapacityPressure = errors.New("cache capacity pressure")

// Manager 在分块写入后检查容量并淘汰最久未访问的条目。
type Manager struct {
	store    cache.Store
	capacity int64
	logger   *logrus.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

// NewManager 构造淘汰器；capacity<=0 表示不限制容量。
func NewManager(store cache.Store, capacity int64, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:    store,
		capacity: capacity,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Capacity returns the configured byte bound, 0 when unbounded.
func (m *Manager) Capacity() int64 {
	if m.capacity < 0 {
		return 0
	}
	return m.capacity
}

// Notify 请求一次异步检查，不阻塞写入方；多次通知会合并。
func (m *Manager) Notify() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run 处理 Notify 触发的检查，直到 ctx 结束。
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
			if _, err := m.MaybeEvict(ctx); err != nil && !errors.Is(err, ErrCapacityPressure) && ctx.Err() == nil {
				m.logger.WithField("action", "evict").WithError(err).Error("evict_failed")
			}
		}
	}
}

// MaybeEvict 在总量超过容量时按 (LastAccess, AccessSeq) 升序淘汰零引用条目，返回被淘汰的 key。
// 无法继续淘汰而仍超出容量时返回 ErrCapacityPressure，写入本身不受影响。
func (m *Manager) MaybeEvict(ctx context.Context) ([]string, error) {
	if m.capacity <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store.TotalBytes() <= m.capacity {
		return nil, nil
	}

	candidates := m.store.Snapshot()
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.AccessSeq < b.AccessSeq
	})

	var evicted []string
	for _, entry := range candidates {
		if m.store.TotalBytes() <= m.capacity {
			break
		}
		if entry.Refs > 0 {
			continue
		}
		freed, err := m.store.Evict(ctx, entry.Key)
		if errors.Is(err, cache.ErrEntryInUse) || errors.Is(err, cache.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return evicted, fmt.Errorf("evict %s: %w", entry.Key, err)
		}
		evicted = append(evicted, entry.Key)
		m.logger.WithFields(logrus.Fields{
			"action": "evict",
			"key":    entry.Key,
			"freed":  humanize.IBytes(uint64(freed)),
		}).Info("cache_evicted")
	}

	if total := m.store.TotalBytes(); total > m.capacity {
		m.logger.WithFields(logrus.Fields{
			"action":   "evict",
			"total":    humanize.IBytes(uint64(total)),
			"capacity": humanize.IBytes(uint64(m.capacity)),
		}).Warn("capacity_pressure")
		return evicted, ErrCapacityPressure
	}
	return evicted, nil
}
