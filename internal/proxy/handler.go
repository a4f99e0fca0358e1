package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/cachestats"
	"github.com/any-hub/hub-mirror/internal/fetch"
	"github.com/any-hub/hub-mirror/internal/logging"
	"github.com/any-hub/hub-mirror/internal/repo"
	"github.com/any-hub/hub-mirror/internal/server"
	"github.com/any-hub/hub-mirror/internal/upstream"
)

const (
	headerCacheHit = "X-Hub-Mirror-Cache-Hit"
	headerUpstream = "X-Hub-Mirror-Upstream"
)

// DescriptorResolver 把 (仓库, 文件) 解析为权威的 FileDescriptor，*upstream.Resolver 实现该接口。
type DescriptorResolver interface {
	Resolve(ctx context.Context, id repo.Identity, filePath string) (repo.FileDescriptor, error)
	Invalidate(id repo.Identity, filePath string)
}

// ChunkEnsurer 保证区间内的分块最终落盘，*fetch.Coordinator 实现该接口。
type ChunkEnsurer interface {
	EnsurePresent(ctx context.Context, fd repo.FileDescriptor, rng cache.ByteRange) (*fetch.Completion, error)
}

// Options 汇总 Handler 的依赖。
type Options struct {
	Store       cache.Store
	Coordinator ChunkEnsurer
	// Resolvers 按 hub 名称索引。
	Resolvers map[string]DescriptorResolver
	// Client 用于透传非文件请求。
	Client *http.Client
	// OfflineFallback 允许上游不可达时使用已缓存条目的描述符。
	OfflineFallback bool
	Counters        *cachestats.Counters
	Logger          *logrus.Logger
}

// Handler 负责 resolve 路径的缓存/回源流程与其余路径的透传，对外暴露 server.ProxyHandler。
type Handler struct {
	store           cache.Store
	coordinator     ChunkEnsurer
	resolvers       map[string]DescriptorResolver
	client          *http.Client
	offlineFallback bool
	counters        *cachestats.Counters
	logger          *logrus.Logger

	clients sync.Map // key: hub name, value: *http.Client with hub proxy
}

// NewHandler constructs a proxy handler; Store, Coordinator and Client are required.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil || opts.Coordinator == nil {
		return nil, errors.New("proxy: store and coordinator required")
	}
	if opts.Client == nil {
		return nil, errors.New("proxy: http client required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	resolvers := make(map[string]DescriptorResolver, len(opts.Resolvers))
	for hub, r := range opts.Resolvers {
		resolvers[hub] = r
	}
	return &Handler{
		store:           opts.Store,
		coordinator:     opts.Coordinator,
		resolvers:       resolvers,
		client:          opts.Client,
		offlineFallback: opts.OfflineFallback,
		counters:        opts.Counters,
		logger:          logger,
	}, nil
}

// requestLog 收集单个文件请求的日志字段，直到响应结束才输出。
type requestLog struct {
	route     *server.HubRoute
	requestID string
	started   time.Time
	id        repo.Identity
	path      string
	method    string
	cacheHit  bool
	rangeSpec string
	status    int
}

// Handle 区分文件下载与透传请求。
func (h *Handler) Handle(c fiber.Ctx, route *server.HubRoute) error {
	method := c.Method()
	rawPath := string(c.Request().URI().PathOriginal())
	if method != fiber.MethodGet && method != fiber.MethodHead {
		return h.passthrough(c, route)
	}
	id, filePath, err := repo.ParseResolvePath(rawPath)
	if errors.Is(err, repo.ErrNotResolvePath) {
		return h.passthrough(c, route)
	}
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_path")
	}

	rl := &requestLog{
		route:     route,
		requestID: server.RequestID(c),
		started:   time.Now(),
		id:        id,
		path:      filePath,
		method:    method,
		rangeSpec: c.Get(fiber.HeaderRange),
	}
	return h.serveFile(c, rl)
}

func (h *Handler) serveFile(c fiber.Ctx, rl *requestLog) error {
	route := rl.route
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c.Set(headerUpstream, route.UpstreamURL.String())

	fd, err := h.resolve(ctx, rl)
	if err != nil {
		return h.fail(c, rl, err)
	}

	rng, partial, err := parseRange(rl.rangeSpec, fd.TotalSize)
	if err != nil {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", fd.TotalSize))
		return h.fail(c, rl, err)
	}

	if rl.method == fiber.MethodHead {
		presence, err := h.store.QueryPresence(fd, rng)
		switch {
		case errors.Is(err, cache.ErrIntegrityReset):
			// 只有旧指纹的条目：按未命中处理，下一次 GET 会重建。
			rl.cacheHit = false
		case err != nil:
			return h.fail(c, rl, err)
		default:
			rl.cacheHit = len(presence.Missing) == 0
		}
		h.setFileHeaders(c, fd, rng, partial, rl.cacheHit)
		c.Response().Header.SetContentLength(int(rng.Len()))
		rl.status = statusFor206(partial)
		c.Status(rl.status)
		h.logResult(rl, 0, nil)
		return nil
	}

	entry, err := h.store.OpenOrCreate(ctx, fd)
	if err != nil {
		return h.fail(c, rl, err)
	}
	if entry.Reset {
		h.logger.WithFields(h.fields(rl)).WithFields(logrus.Fields{
			"action":      "integrity_reset",
			"fingerprint": fd.Fingerprint,
		}).Warn("integrity_reset")
	}
	if err := h.store.AcquireRef(fd); err != nil {
		return h.fail(c, rl, err)
	}
	release := h.lease(fd)

	presence, err := h.store.QueryPresence(fd, rng)
	if err != nil {
		release()
		return h.fail(c, rl, err)
	}
	rl.cacheHit = len(presence.Missing) == 0
	if rl.cacheHit {
		h.counters.RecordHit()
	} else {
		h.counters.RecordMiss()
	}

	completion, err := h.coordinator.EnsurePresent(ctx, fd, rng)
	if err != nil {
		release()
		return h.fail(c, rl, err)
	}

	rl.status = statusFor206(partial)
	stream := newChunkStream(h.store, completion, fd, rng, func(served int64, err error) {
		release()
		h.counters.AddServed(served)
		if errors.Is(err, upstream.ErrFingerprintMismatch) {
			h.invalidate(rl)
		}
		if err != nil && !errors.Is(err, errStreamAborted) && served > 0 {
			h.counters.RecordFailure()
		}
		h.logResult(rl, served, err)
	})
	if err := stream.prime(); err != nil {
		status, code := statusFor(err)
		rl.status = status
		_ = stream.Close()
		h.counters.RecordFailure()
		return writeError(c, status, code)
	}

	h.setFileHeaders(c, fd, rng, partial, rl.cacheHit)
	c.Status(rl.status)
	return c.SendStream(stream, int(rng.Len()))
}

func statusFor206(partial bool) int {
	if partial {
		return fiber.StatusPartialContent
	}
	return fiber.StatusOK
}

// resolve 先查上游元数据；上游不可达且允许离线回退时改用已缓存条目记录的描述符。
func (h *Handler) resolve(ctx context.Context, rl *requestLog) (repo.FileDescriptor, error) {
	hub := rl.route.Config.Name
	resolver, ok := h.resolvers[hub]
	if !ok {
		return repo.FileDescriptor{}, fmt.Errorf("no resolver for hub %q", hub)
	}
	fd, err := resolver.Resolve(ctx, rl.id, rl.path)
	if err == nil {
		return fd, nil
	}
	if !h.offlineFallback || !(errors.Is(err, upstream.ErrUnavailable) || errors.Is(err, upstream.ErrTimeout)) {
		return repo.FileDescriptor{}, err
	}

	key := repo.FileDescriptor{Hub: hub, Repo: rl.id, Path: rl.path}.StorageKey()
	entry, found := h.store.Lookup(key)
	if !found {
		return repo.FileDescriptor{}, err
	}
	h.logger.WithFields(h.fields(rl)).WithFields(logrus.Fields{
		"action":       "resolve",
		"upstream_err": err.Error(),
		"complete":     entry.Complete(),
	}).Warn("resolve_fallback_cached")
	return entry.Descriptor, nil
}

func (h *Handler) invalidate(rl *requestLog) {
	if resolver, ok := h.resolvers[rl.route.Config.Name]; ok {
		resolver.Invalidate(rl.id, rl.path)
	}
}

// lease 返回释放函数：先记录访问再释放引用，多次调用只生效一次。
func (h *Handler) lease(fd repo.FileDescriptor) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			h.store.Touch(fd)
			h.store.ReleaseRef(fd)
		})
	}
}

func (h *Handler) setFileHeaders(c fiber.Ctx, fd repo.FileDescriptor, rng cache.ByteRange, partial, cacheHit bool) {
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderETag, strconv.Quote(fd.Fingerprint))
	if fd.LFS {
		c.Set("X-Linked-Etag", strconv.Quote(fd.Fingerprint))
		c.Set("X-Linked-Size", strconv.FormatInt(fd.TotalSize, 10))
	}
	if fd.Commit != "" {
		c.Set("X-Repo-Commit", fd.Commit)
	}
	if partial {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End-1, fd.TotalSize))
	}
	c.Set(headerCacheHit, strconv.FormatBool(cacheHit))
}

func (h *Handler) fail(c fiber.Ctx, rl *requestLog, err error) error {
	status, code := statusFor(err)
	rl.status = status
	h.counters.RecordFailure()
	h.logResult(rl, 0, err)
	return writeError(c, status, code)
}

func (h *Handler) fields(rl *requestLog) logrus.Fields {
	fields := logging.RequestFields(
		rl.route.Config.Name,
		rl.route.Config.Domain,
		rl.id.Kind.String(),
		rl.id.FullName(),
		rl.cacheHit,
	)
	fields["revision"] = rl.id.Revision
	fields["path"] = rl.path
	if rl.requestID != "" {
		fields["request_id"] = rl.requestID
	}
	return fields
}

func (h *Handler) logResult(rl *requestLog, served int64, err error) {
	fields := h.fields(rl)
	fields["action"] = "proxy"
	fields["method"] = rl.method
	fields["status"] = rl.status
	fields["bytes"] = served
	fields["elapsed_ms"] = time.Since(rl.started).Milliseconds()
	if rl.rangeSpec != "" {
		fields["range"] = rl.rangeSpec
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
