package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/comp-engine/internal/model"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsTransient(errors.New("sqlite: database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsTransient(model.ErrConcurrentModification))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("syntax error")
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	var retried []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	v, err := DoVal(context.Background(), p, func(context.Context) (int, error) {
		return 7, Transient(errors.New("busy"))
	})
	require.Error(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("busy"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }
	busy := func(context.Context) error { return Transient(errors.New("busy")) }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	_ = b.Call(ctx, busy)
	assert.Equal(t, BreakerClosed, b.State())
	_ = b.Call(ctx, busy)
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Call(ctx, ok)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("bad query") })
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, "closed", b.State().String())
}
