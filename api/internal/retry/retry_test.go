package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int, retryable func(error) bool) Policy {
	return Policy{MaxAttempts: attempts, Initial: time.Millisecond, Multiplier: 1, Retryable: retryable}
}

func TestDoRetriesUpToMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(3, nil).Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := fastPolicy(3, func(error) bool { return false }).Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "неретраябельная ошибка не должна повторяться")
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Policy{MaxAttempts: 5, Initial: 50 * time.Millisecond}.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(errors.New("googleapi: Error 429: Resource exhausted")))
	assert.True(t, IsRateLimited(fmt.Errorf("telegram: Too Many Requests: retry after 7")))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(nil))
}

func TestRetryAfterHint(t *testing.T) {
	assert.Equal(t, 7*time.Second, RetryAfterHint(errors.New("Too Many Requests: retry after 7")))
	assert.Equal(t, 3*time.Second, RetryAfterHint(errors.New("too many requests")))
	assert.Equal(t, time.Second, RetryAfterHint(errors.New("connection reset")))
	assert.Equal(t, time.Duration(0), RetryAfterHint(nil))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTimeout(errors.New("no")))
}
