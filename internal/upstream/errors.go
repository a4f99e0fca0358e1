package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound 表示上游不存在该文件或修订版本。
	ErrNotFound = errors.New("upstream not found")
	// ErrForbidden 表示上游拒绝访问（门控仓库或令牌无效）。
	ErrForbidden = errors.New("upstream forbidden")
	// ErrUnavailable 表示上游暂时不可用（连接失败、5xx、429）。
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrTimeout 表示请求在重试预算内始终超时。
	ErrTimeout = errors.New("upstream timeout")
	// ErrFingerprintMismatch 表示上游返回的内容与描述符指纹/大小不一致。
	ErrFingerprintMismatch = errors.New("upstream fingerprint mismatch")
)

// StatusError 携带上游 HTTP 状态码，Unwrap 到对应的分类错误。
type StatusError struct {
	Code int
	URL  string
	Err  error
	// Permanent 为 true 时即使分类为 ErrUnavailable 也不重试（例如 400）。
	Permanent bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d from %s", e.Err, e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// classifyStatus 把非预期状态码映射为分类错误。
func classifyStatus(code int, rawURL string) error {
	switch {
	case code == http.StatusNotFound:
		return &StatusError{Code: code, URL: rawURL, Err: ErrNotFound, Permanent: true}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &StatusError{Code: code, URL: rawURL, Err: ErrForbidden, Permanent: true}
	case code == http.StatusRequestedRangeNotSatisfiable:
		return &StatusError{Code: code, URL: rawURL, Err: ErrFingerprintMismatch, Permanent: true}
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &StatusError{Code: code, URL: rawURL, Err: ErrUnavailable}
	default:
		return &StatusError{Code: code, URL: rawURL, Err: ErrUnavailable, Permanent: true}
	}
}

// classifyTransport 把传输层错误归类为 ErrTimeout 或 ErrUnavailable；调用方取消时原样返回。
func classifyTransport(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
