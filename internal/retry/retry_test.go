package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBounded(maxElapsed time.Duration) Policy {
	return Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: maxElapsed}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastBounded(time.Second), "flaky op", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("syntax error at or near SELECT")
	calls := 0
	err := Do(context.Background(), fastBounded(time.Second), "bad query", func() error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoBoundedGivesUp(t *testing.T) {
	boom := errors.New("timeout")
	start := time.Now()
	err := Do(context.Background(), fastBounded(30*time.Millisecond), "always failing", func() error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDoUnboundedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	p := Unbounded(5 * time.Millisecond)
	p.InitialInterval = time.Millisecond
	calls := 0
	err := Do(ctx, p, "store ping", func() error {
		calls++
		return errors.New("dial tcp: connection refused")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, calls, 1)
}

func TestDoValueReturnsResult(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastBounded(time.Second), "exists", func() (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("503")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, v)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
