package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogin(counter *atomic.Int64, expiresIn time.Duration) LoginFunc {
	return func(_ context.Context, endpointKey string) (*LoginResult, error) {
		counter.Add(1)
		return &LoginResult{
			Token:         "tok-" + endpointKey,
			ServerBaseURL: "https://" + endpointKey + ".example.com",
			ExpiresAt:     time.Now().Add(expiresIn),
		}, nil
	}
}

func TestCache_Get_concurrentSingleLogin(t *testing.T) {
	var logins atomic.Int64
	cache := NewCache(testLogin(&logins, time.Hour))

	const callers = 32
	sessions := make([]any, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := cache.Get(context.Background(), "source")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), logins.Load(), "concurrent first use must login exactly once")
	for i := 1; i < callers; i++ {
		assert.Same(t, sessions[0], sessions[i], "all callers must receive the same session instance")
	}
}

func TestCache_Get_reusesValidSession(t *testing.T) {
	var logins atomic.Int64
	cache := NewCache(testLogin(&logins, time.Hour))

	first, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)
	second, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), logins.Load())
}

func TestCache_Get_expiredSessionTriggersRelogin(t *testing.T) {
	var logins atomic.Int64
	now := time.Now()
	clock := now

	cache := NewCache(
		testLogin(&logins, time.Hour),
		WithClock(func() time.Time { return clock }),
		WithSafetyBuffer(5*time.Minute),
	)

	first, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)

	// Advance the clock into the safety buffer: still an hour of
	// nominal validity left minus buffer means 55m is fine, 56m is not.
	clock = now.Add(56 * time.Minute)

	second, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)

	assert.NotSame(t, first, second, "a session inside the safety buffer must never be handed out")
	assert.Equal(t, int64(2), logins.Load())
}

func TestCache_Get_distinctEndpointsDistinctSessions(t *testing.T) {
	var logins atomic.Int64
	cache := NewCache(testLogin(&logins, time.Hour))

	src, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)
	dst, err := cache.Get(context.Background(), "target")
	require.NoError(t, err)

	assert.Equal(t, int64(2), logins.Load())
	assert.NotEqual(t, src.Token, dst.Token)
}

func TestCache_Get_loginFailureRetriesThenAuthError(t *testing.T) {
	var attempts atomic.Int64
	boom := errors.New("invalid credentials")
	cache := NewCache(LoginFunc(func(context.Context, string) (*LoginResult, error) {
		attempts.Add(1)
		return nil, boom
	}))

	_, err := cache.Get(context.Background(), "source")
	require.Error(t, err)

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "source", authErr.EndpointKey)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(DefaultLoginAttempts), attempts.Load())
}

func TestCache_Invalidate_forcesFreshLogin(t *testing.T) {
	var logins atomic.Int64
	cache := NewCache(testLogin(&logins, time.Hour))

	_, err := cache.Get(context.Background(), "source")
	require.NoError(t, err)

	cache.Invalidate("source")

	_, err = cache.Get(context.Background(), "source")
	require.NoError(t, err)
	assert.Equal(t, int64(2), logins.Load())
}

func TestIsAuthenticationError(t *testing.T) {
	wrapped := &AuthenticationError{EndpointKey: "source", Err: errors.New("nope")}
	assert.True(t, IsAuthenticationError(wrapped))
	assert.False(t, IsAuthenticationError(errors.New("transport reset")))
}
