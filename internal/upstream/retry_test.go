package upstream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelays(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, policy.Delays())

	single := RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second}
	require.Empty(t, single.Delays())
}

func TestRetryPolicyRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()
	require.True(t, policy.Retryable(classifyStatus(503, "u")))
	require.True(t, policy.Retryable(fmt.Errorf("%w: dial", ErrTimeout)))
	require.False(t, policy.Retryable(classifyStatus(404, "u")))
	require.False(t, policy.Retryable(classifyStatus(400, "u")))
	require.False(t, policy.Retryable(ErrFingerprintMismatch))
	require.False(t, policy.Retryable(nil))
}
