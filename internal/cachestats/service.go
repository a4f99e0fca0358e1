package cachestats

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/repo"
)

// ErrRepoNotCached 表示查询的仓库在缓存中没有任何文件。
var ErrRepoNotCached = errors.New("repo not cached")

const (
	// recentAccessWindow 内访问过的文件计为近期活跃。
	recentAccessWindow = 7 * 24 * time.Hour
	// staleAccessWindow 之前最后访问的文件计为陈旧。
	staleAccessWindow = 30 * 24 * time.Hour
)

// Snapshotter 是 Service 读取缓存所需的最小接口，cache.Store 满足它。
type Snapshotter interface {
	Snapshot() []cache.Entry
	TotalBytes() int64
}

// Options 配置 Service。
type Options struct {
	Store       Snapshotter
	Counters    *Counters
	StoragePath string
	Capacity    int64
	// DiskUsage 允许测试替换磁盘探测，默认使用 gopsutil。
	DiskUsage func(path string) (*disk.UsageStat, error)
	// ActiveTasks 返回正在运行的下载任务数，可为空。
	ActiveTasks func() int
	// SystemUsage 允许测试替换主机负载探测，默认使用 gopsutil。
	SystemUsage func() (*SystemUsage, error)
	// RequestWindow 是请求统计的时间窗口，默认 DefaultRequestWindow。
	RequestWindow time.Duration
	// Now 允许测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Service 汇总缓存快照与计数器。
type Service struct {
	store       Snapshotter
	counters    *Counters
	storagePath string
	capacity    int64
	diskUsage   func(path string) (*disk.UsageStat, error)
	activeTasks func() int
	systemUsage func() (*SystemUsage, error)
	window      time.Duration
	now         func() time.Time
}

// NewService 构造统计服务。
func NewService(opts Options) *Service {
	usage := opts.DiskUsage
	if usage == nil {
		usage = disk.Usage
	}
	counters := opts.Counters
	if counters == nil {
		counters = NewCounters()
	}
	system := opts.SystemUsage
	if system == nil {
		system = hostUsage
	}
	window := opts.RequestWindow
	if window <= 0 {
		window = DefaultRequestWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       opts.Store,
		counters:    counters,
		storagePath: opts.StoragePath,
		capacity:    opts.Capacity,
		diskUsage:   usage,
		activeTasks: opts.ActiveTasks,
		systemUsage: system,
		window:      window,
		now:         now,
	}
}

// Overview 是 /-/cache-stats 的响应体。
type Overview struct {
	TotalBytes    int64                  `json:"total_bytes"`
	TotalHuman    string                 `json:"total_human"`
	Capacity      int64                  `json:"capacity"`
	CapacityHuman string                 `json:"capacity_human"`
	Files         int                    `json:"files"`
	CompleteFiles int                    `json:"complete_files"`
	Repos         int                    `json:"repos"`
	ByKind        map[string]KindSummary `json:"by_kind"`
	Efficiency    Efficiency             `json:"efficiency"`
	Requests      RequestStats           `json:"requests"`
	Disk          *DiskUsage             `json:"disk,omitempty"`
	System        *SystemUsage           `json:"system,omitempty"`
	ActiveTasks   int                    `json:"active_tasks"`
}

// KindSummary 汇总同一仓库类型下的缓存占用。
type KindSummary struct {
	Repos      int    `json:"repos"`
	Files      int    `json:"files"`
	Bytes      int64  `json:"bytes"`
	BytesHuman string `json:"bytes_human"`
}

// Efficiency 描述缓存对上游流量的节省情况与文件的访问活跃度。
type Efficiency struct {
	CounterSnapshot
	HitRatio   float64 `json:"hit_ratio"`
	SavedBytes int64   `json:"saved_bytes"`
	SavedHuman string  `json:"saved_human"`
	// RecentAccess 是 7 天内访问过的文件数，OldAccess 是 30 天以上未访问的文件数。
	RecentAccess int `json:"recent_access"`
	OldAccess    int `json:"old_access"`
	// AccessEfficiency 是近期活跃文件占全部文件的百分比。
	AccessEfficiency float64 `json:"access_efficiency"`
}

// DiskUsage 描述存储目录所在文件系统。
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
	FreeHuman   string  `json:"free_human"`
}

// RepoSummary 是按仓库聚合的缓存条目。
type RepoSummary struct {
	Kind         string    `json:"kind"`
	Organization string    `json:"organization,omitempty"`
	Name         string    `json:"name"`
	FullName     string    `json:"full_name"`
	Hubs         []string  `json:"hubs"`
	Revisions    []string  `json:"revisions"`
	Files        int       `json:"files"`
	Bytes        int64     `json:"bytes"`
	BytesHuman   string    `json:"bytes_human"`
	LastAccess   time.Time `json:"last_access"`
	AccessCount  int64     `json:"access_count"`
}

// FileSummary 是仓库详情中的单个文件。
type FileSummary struct {
	Hub         string    `json:"hub"`
	Revision    string    `json:"revision"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Cached      int64     `json:"cached"`
	CachedHuman string    `json:"cached_human"`
	Complete    bool      `json:"complete"`
	Fingerprint string    `json:"fingerprint"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	Refs        int       `json:"refs"`
}

// RepoDetail 是 /-/cache-repos/:kind/:org/:name 的响应体。
type RepoDetail struct {
	RepoSummary
	FileList []FileSummary `json:"file_list"`
}

// RepoQuery 控制仓库列表的过滤与排序。
type RepoQuery struct {
	Kind  string
	Sort  string
	Order string
	Limit int
}

// Overview 计算总览。磁盘探测失败时省略 Disk 字段。
func (s *Service) Overview() Overview {
	entries := s.store.Snapshot()
	repos := aggregate(entries)

	out := Overview{
		TotalBytes: s.store.TotalBytes(),
		Capacity:   s.capacity,
		Files:      len(entries),
		Repos:      len(repos),
		ByKind:     make(map[string]KindSummary, 3),
	}
	out.TotalHuman = humanize.IBytes(uint64(out.TotalBytes))
	if s.capacity > 0 {
		out.CapacityHuman = humanize.IBytes(uint64(s.capacity))
	} else {
		out.CapacityHuman = "unbounded"
	}
	for _, kind := range repo.Kinds() {
		out.ByKind[kind.Plural()] = KindSummary{BytesHuman: humanize.IBytes(0)}
	}
	for _, e := range entries {
		if e.Complete() {
			out.CompleteFiles++
		}
		key := e.Descriptor.Repo.Kind.Plural()
		sum := out.ByKind[key]
		sum.Files++
		sum.Bytes += e.BytesCached
		sum.BytesHuman = humanize.IBytes(uint64(sum.Bytes))
		out.ByKind[key] = sum
	}
	for _, r := range repos {
		key := r.Kind + "s"
		sum := out.ByKind[key]
		sum.Repos++
		out.ByKind[key] = sum
	}

	out.Efficiency = efficiency(s.counters.Snapshot())
	out.Efficiency.applyAccess(entries, s.now())
	out.Requests = s.counters.RequestStats(s.window)
	if usage, err := s.systemUsage(); err == nil && usage != nil {
		out.System = usage
	}
	if s.activeTasks != nil {
		out.ActiveTasks = s.activeTasks()
	}
	if s.storagePath != "" {
		if usage, err := s.diskUsage(s.storagePath); err == nil && usage != nil {
			out.Disk = &DiskUsage{
				Path:        usage.Path,
				Total:       usage.Total,
				Free:        usage.Free,
				Used:        usage.Used,
				UsedPercent: usage.UsedPercent,
				FreeHuman:   humanize.IBytes(usage.Free),
			}
		}
	}
	return out
}

func efficiency(snap CounterSnapshot) Efficiency {
	eff := Efficiency{CounterSnapshot: snap}
	if total := snap.Hits + snap.Misses; total > 0 {
		eff.HitRatio = float64(snap.Hits) / float64(total)
	}
	if saved := snap.BytesServed - snap.UpstreamBytes; saved > 0 {
		eff.SavedBytes = saved
	}
	eff.SavedHuman = humanize.IBytes(uint64(eff.SavedBytes))
	return eff
}

// applyAccess 按最后访问时间统计活跃与陈旧文件。
func (e *Efficiency) applyAccess(entries []cache.Entry, now time.Time) {
	recent := now.Add(-recentAccessWindow)
	stale := now.Add(-staleAccessWindow)
	for _, entry := range entries {
		switch {
		case entry.LastAccess.After(recent):
			e.RecentAccess++
		case entry.LastAccess.Before(stale):
			e.OldAccess++
		}
	}
	if len(entries) > 0 {
		e.AccessEfficiency = float64(e.RecentAccess) / float64(len(entries)) * 100
	}
}

// Repos 返回按条件过滤、排序后的仓库列表。
func (s *Service) Repos(q RepoQuery) ([]RepoSummary, error) {
	kindFilter, err := parseKindFilter(q.Kind)
	if err != nil {
		return nil, err
	}
	repos := aggregate(s.store.Snapshot())
	filtered := repos[:0]
	for _, r := range repos {
		if kindFilter != "" && r.Kind != kindFilter {
			continue
		}
		filtered = append(filtered, r)
	}
	if err := sortRepos(filtered, q.Sort, q.Order); err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

// Search 按名称子串（大小写不敏感）查找仓库，结果按名称排序。
func (s *Service) Search(query, kind string) ([]RepoSummary, error) {
	kindFilter, err := parseKindFilter(kind)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []RepoSummary
	for _, r := range aggregate(s.store.Snapshot()) {
		if kindFilter != "" && r.Kind != kindFilter {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.FullName), needle) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

// Repo 返回单个仓库的文件明细。org 为 "_" 或空表示根级仓库。
func (s *Service) Repo(kind, org, name string) (RepoDetail, error) {
	k, err := repo.ParseKind(kind)
	if err != nil {
		return RepoDetail{}, err
	}
	if org == "_" {
		org = ""
	}

	var matched []cache.Entry
	for _, e := range s.store.Snapshot() {
		id := e.Descriptor.Repo
		if id.Kind == k && id.Organization == org && id.Name == name {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return RepoDetail{}, ErrRepoNotCached
	}

	detail := RepoDetail{RepoSummary: aggregate(matched)[0]}
	for _, e := range matched {
		fd := e.Descriptor
		detail.FileList = append(detail.FileList, FileSummary{
			Hub:         fd.Hub,
			Revision:    fd.Repo.Revision,
			Path:        fd.Path,
			Size:        fd.TotalSize,
			Cached:      e.BytesCached,
			CachedHuman: humanize.IBytes(uint64(e.BytesCached)),
			Complete:    e.Complete(),
			Fingerprint: fd.Fingerprint,
			LastAccess:  e.LastAccess,
			AccessCount: e.AccessCount,
			Refs:        e.Refs,
		})
	}
	sort.SliceStable(detail.FileList, func(i, j int) bool {
		a, b := detail.FileList[i], detail.FileList[j]
		if a.Revision != b.Revision {
			return a.Revision < b.Revision
		}
		return a.Path < b.Path
	})
	return detail, nil
}

func parseKindFilter(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	k, err := repo.ParseKind(raw)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// aggregate 把文件条目按 (kind, org/name) 合并，结果按 FullName 排序。
func aggregate(entries []cache.Entry) []RepoSummary {
	index := make(map[string]*RepoSummary)
	var keys []string
	for _, e := range entries {
		id := e.Descriptor.Repo
		key := id.Kind.String() + ":" + id.FullName()
		sum, ok := index[key]
		if !ok {
			sum = &RepoSummary{
				Kind:         id.Kind.String(),
				Organization: id.Organization,
				Name:         id.Name,
				FullName:     id.FullName(),
			}
			index[key] = sum
			keys = append(keys, key)
		}
		sum.Files++
		sum.Bytes += e.BytesCached
		sum.AccessCount += e.AccessCount
		if e.LastAccess.After(sum.LastAccess) {
			sum.LastAccess = e.LastAccess
		}
		sum.Hubs = appendUnique(sum.Hubs, e.Descriptor.Hub)
		sum.Revisions = appendUnique(sum.Revisions, id.Revision)
	}

	sort.Strings(keys)
	out := make([]RepoSummary, 0, len(keys))
	for _, key := range keys {
		sum := index[key]
		sort.Strings(sum.Hubs)
		sort.Strings(sum.Revisions)
		sum.BytesHuman = humanize.IBytes(uint64(sum.Bytes))
		out = append(out, *sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func sortRepos(repos []RepoSummary, field, order string) error {
	desc := strings.EqualFold(order, "desc")
	var less func(a, b RepoSummary) bool
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "", "size":
		less = func(a, b RepoSummary) bool { return a.Bytes < b.Bytes }
		if order == "" {
			desc = true
		}
	case "last_access":
		less = func(a, b RepoSummary) bool { return a.LastAccess.Before(b.LastAccess) }
		if order == "" {
			desc = true
		}
	case "name":
		less = func(a, b RepoSummary) bool { return a.FullName < b.FullName }
	default:
		return errors.New("unknown sort field " + field)
	}
	sort.SliceStable(repos, func(i, j int) bool {
		if desc {
			return less(repos[j], repos[i])
		}
		return less(repos[i], repos[j])
	})
	return nil
}
