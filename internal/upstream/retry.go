package upstream

import (
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy 是纯数据的退避策略：首次失败后等待 InitialBackoff，之后指数增长并截断到 MaxBackoff。
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy 返回 3 次尝试、1s 起步、30s 封顶的策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Millisecond
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Backoff 构造一次性的 go-retry 退避序列；每次 Do 调用都应获取新的实例。
func (p RetryPolicy) Backoff() retry.Backoff {
	p = p.normalized()
	b := retry.NewExponential(p.InitialBackoff)
	b = retry.WithCappedDuration(p.MaxBackoff, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Delays 展开全部重试间隔，便于日志和测试观察策略。
func (p RetryPolicy) Delays() []time.Duration {
	b := p.Backoff()
	var out []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return out
		}
		out = append(out, d)
	}
}

// Retryable 判断错误是否属于可重试的瞬时故障。
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Permanent
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
