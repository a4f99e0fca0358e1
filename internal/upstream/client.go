package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/repo"
)

const (
	headerLinkedETag = "X-Linked-Etag"
	headerLinkedSize = "X-Linked-Size"
	headerRepoCommit = "X-Repo-Commit"
	maxRedirectHops  = 5
)

// Options 描述单个上游 Hub 的连接参数。
type Options struct {
	Hub      string
	BaseURL  *url.URL
	ProxyURL *url.URL
	Token    string
	// HTTPClient 由 server.NewUpstreamClient 构造，Transport 上已配置响应头超时。
	HTTPClient *http.Client
	Policy     RetryPolicy
	// AttemptTimeout 限制单次元数据请求的耗时。
	AttemptTimeout time.Duration
	UserAgent      string
	Logger         *logrus.Logger
}

// Client 负责对单个上游执行元数据解析与区间拉取。
type Client struct {
	hub            string
	base           *url.URL
	token          string
	policy         RetryPolicy
	attemptTimeout time.Duration
	userAgent      string
	logger         *logrus.Logger

	// fetcher 跟随重定向，head 不跟随以便读取指针头部。
	fetcher *http.Client
	head    *http.Client
}

// NewClient 基于共享 http.Client 构造上游客户端；配置了 ProxyURL 时复制一份 Transport。
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == nil || opts.BaseURL.Host == "" {
		return nil, fmt.Errorf("hub %s: upstream base url required", opts.Hub)
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	fetcher := *base
	fetcher.Timeout = 0
	if opts.ProxyURL != nil {
		transport := http.Transport{}
		if t, ok := base.Transport.(*http.Transport); ok && t != nil {
			transport = *t.Clone()
		}
		transport.Proxy = http.ProxyURL(opts.ProxyURL)
		fetcher.Transport = &transport
	}
	head := fetcher
	head.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempt := opts.AttemptTimeout
	if attempt <= 0 {
		attempt = 30 * time.Second
	}
	return &Client{
		hub:            opts.Hub,
		base:           opts.BaseURL,
		token:          opts.Token,
		policy:         opts.Policy.normalized(),
		attemptTimeout: attempt,
		userAgent:      opts.UserAgent,
		logger:         logger,
		fetcher:        &fetcher,
		head:           &head,
	}, nil
}

// Hub returns the hub name this client serves.
func (c *Client) Hub() string {
	return c.hub
}

// BaseURL returns the upstream origin.
func (c *Client) BaseURL() *url.URL {
	return c.base
}

// Policy returns the retry policy applied to upstream calls.
func (c *Client) Policy() RetryPolicy {
	return c.policy
}

// Resolve 通过 HEAD 请求解析文件元数据，瞬时失败按策略重试。
func (c *Client) Resolve(ctx context.Context, id repo.Identity, filePath string) (repo.FileDescriptor, error) {
	var fd repo.FileDescriptor
	target := c.base.ResolveReference(&url.URL{Path: id.ResolvePath(filePath)})
	err := c.withRetry(ctx, "resolve", target.String(), func(ctx context.Context) error {
		var err error
		fd, err = c.resolveOnce(ctx, id, filePath, target)
		return err
	})
	if err != nil {
		return repo.FileDescriptor{}, err
	}
	return fd, nil
}

func (c *Client) resolveOnce(ctx context.Context, id repo.Identity, filePath string, target *url.URL) (repo.FileDescriptor, error) {
	fd := repo.FileDescriptor{Hub: c.hub, Repo: id, Path: filePath, TotalSize: -1}

	current := target
	for hop := 0; ; hop++ {
		resp, err := c.headOnce(ctx, current)
		if err != nil {
			return repo.FileDescriptor{}, err
		}
		resp.Body.Close()

		if commit := resp.Header.Get(headerRepoCommit); commit != "" && fd.Commit == "" {
			fd.Commit = commit
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			applyContentHeaders(&fd, resp.Header, resp.ContentLength)
			if fd.ContentURL == "" {
				fd.ContentURL = current.String()
			}
			return finishDescriptor(fd, current)

		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			location, err := resp.Location()
			if err != nil {
				return repo.FileDescriptor{}, fmt.Errorf("%w: redirect without location from %s", ErrUnavailable, current)
			}
			if linked := resp.Header.Get(headerLinkedETag); linked != "" {
				// 大对象指针：指纹与大小来自 X-Linked-* 头，内容位于重定向目标。
				fd.LFS = true
				fd.Fingerprint = repo.NormalizeETag(linked)
				if size, ok := parseSize(resp.Header.Get(headerLinkedSize)); ok {
					fd.TotalSize = size
				}
				fd.ContentURL = location.String()
				if fd.TotalSize >= 0 {
					return finishDescriptor(fd, current)
				}
				return c.headContent(ctx, fd, location)
			}
			if hop >= maxRedirectHops {
				return repo.FileDescriptor{}, fmt.Errorf("%w: too many redirects resolving %s", ErrUnavailable, target)
			}
			current = location

		default:
			return repo.FileDescriptor{}, classifyStatus(resp.StatusCode, current.String())
		}
	}
}

// headContent 在指针缺少大小时对内容地址再做一次 HEAD，只跟随一层。
func (c *Client) headContent(ctx context.Context, fd repo.FileDescriptor, location *url.URL) (repo.FileDescriptor, error) {
	resp, err := c.headOnce(ctx, location)
	if err != nil {
		return repo.FileDescriptor{}, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return repo.FileDescriptor{}, classifyStatus(resp.StatusCode, location.String())
	}
	if size, ok := parseSize(resp.Header.Get("Content-Length")); ok {
		fd.TotalSize = size
	} else if resp.ContentLength >= 0 {
		fd.TotalSize = resp.ContentLength
	}
	return finishDescriptor(fd, location)
}

func (c *Client) headOnce(ctx context.Context, target *url.URL) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodHead, target.String(), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	// 避免上游对 HEAD 压缩后丢失原始长度。
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.head.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	return resp, nil
}

func applyContentHeaders(fd *repo.FileDescriptor, header http.Header, contentLength int64) {
	if linked := header.Get(headerLinkedETag); linked != "" {
		fd.LFS = true
		fd.Fingerprint = repo.NormalizeETag(linked)
	} else if fd.Fingerprint == "" {
		fd.Fingerprint = repo.NormalizeETag(header.Get("ETag"))
	}
	if size, ok := parseSize(header.Get(headerLinkedSize)); ok {
		fd.TotalSize = size
	} else if size, ok := parseSize(header.Get("Content-Length")); ok && fd.TotalSize < 0 {
		fd.TotalSize = size
	} else if contentLength >= 0 && fd.TotalSize < 0 {
		fd.TotalSize = contentLength
	}
}

func finishDescriptor(fd repo.FileDescriptor, source *url.URL) (repo.FileDescriptor, error) {
	if fd.Fingerprint == "" {
		return repo.FileDescriptor{}, fmt.Errorf("%w: no etag for %s", ErrUnavailable, source)
	}
	if fd.TotalSize < 0 {
		return repo.FileDescriptor{}, fmt.Errorf("%w: no size for %s", ErrUnavailable, source)
	}
	return fd, nil
}

// FetchRange 请求描述符内容的 [rng.Start, rng.End) 区间，返回的 Body 恰好产出 rng.Len() 字节，
// 提前结束时返回 io.ErrUnexpectedEOF。重试只覆盖建立响应阶段。
func (c *Client) FetchRange(ctx context.Context, fd repo.FileDescriptor, rng cache.ByteRange) (io.ReadCloser, error) {
	if err := rng.Validate(fd.TotalSize); err != nil {
		return nil, err
	}
	target := fd.ContentURL
	if target == "" {
		target = c.base.ResolveReference(&url.URL{Path: fd.Repo.ResolvePath(fd.Path)}).String()
	}

	var body io.ReadCloser
	err := c.withRetry(ctx, "fetch_range", target, func(ctx context.Context) error {
		var err error
		body, err = c.fetchOnce(ctx, fd, target, rng)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, fd repo.FileDescriptor, target string, rng cache.ByteRange) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)
	req.Header.Set("Accept-Encoding", "identity")
	if rng.Len() > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
	}

	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if err := verifyContentRange(resp.Header.Get("Content-Range"), fd, rng); err != nil {
			resp.Body.Close()
			return nil, err
		}
	case http.StatusOK:
		if size, ok := parseSize(resp.Header.Get("Content-Length")); ok && size != fd.TotalSize {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: full body of %d bytes, expected %d", ErrFingerprintMismatch, size, fd.TotalSize)
		}
		if rng.Start > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, rng.Start); err != nil {
				resp.Body.Close()
				return nil, classifyTransport(ctx, err)
			}
		}
	default:
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, target)
	}

	// 只有非指针文件的 ETag 与指纹同源，CDN 的 ETag 不可比较。
	if !fd.LFS {
		if etag := repo.NormalizeETag(resp.Header.Get("ETag")); etag != "" && etag != fd.Fingerprint {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: etag %s, expected %s", ErrFingerprintMismatch, etag, fd.Fingerprint)
		}
	}
	return &rangeBody{body: resp.Body, remaining: rng.Len()}, nil
}

// decorate 附加 UA 与令牌；令牌只发送给上游自身的主机。
func (c *Client) decorate(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" && strings.EqualFold(req.URL.Host, c.base.Host) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) withRetry(ctx context.Context, action, target string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, c.policy.Backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !c.policy.Retryable(err) {
			return err
		}
		if attempt < c.policy.MaxAttempts {
			c.logger.WithFields(logrus.Fields{
				"action":   action,
				"hub":      c.hub,
				"upstream": target,
				"attempt":  attempt,
			}).WithError(err).Warn("upstream_retry")
		}
		return retry.RetryableError(err)
	})
}

func verifyContentRange(value string, fd repo.FileDescriptor, rng cache.ByteRange) error {
	start, end, total, ok := parseContentRange(value)
	if !ok {
		return fmt.Errorf("%w: malformed content-range %q", ErrUnavailable, value)
	}
	if total >= 0 && total != fd.TotalSize {
		return fmt.Errorf("%w: upstream size %d, expected %d", ErrFingerprintMismatch, total, fd.TotalSize)
	}
	if start != rng.Start || end != rng.End-1 {
		return fmt.Errorf("%w: content-range %q does not match requested %s", ErrUnavailable, value, rng)
	}
	return nil
}

// parseContentRange 解析 "bytes a-b/total"，total 为 * 时返回 -1。
func parseContentRange(value string) (start, end, total int64, ok bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, 0, 0, false
	}
	spec, totalRaw, found := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !found {
		return 0, 0, 0, false
	}
	startRaw, endRaw, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(startRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(endRaw, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	total = -1
	if totalRaw != "*" {
		if total, err = strconv.ParseInt(totalRaw, 10, 64); err != nil {
			return 0, 0, 0, false
		}
	}
	return start, end, total, true
}

func parseSize(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

// rangeBody 保证读取到的字节数与请求区间一致。
type rangeBody struct {
	body      io.ReadCloser
	remaining int64
}

func (r *rangeBody) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.body.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF {
		if r.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	return n, err
}

func (r *rangeBody) Close() error {
	return r.body.Close()
}
