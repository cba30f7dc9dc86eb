// Package session caches authenticated sessions against the remote
// CRM platform, one per logical endpoint ("source", "target"). The
// cache is lazily populated: the first caller for an endpoint performs
// the login while concurrent callers for the same endpoint wait on a
// per-key lock, so unrelated endpoints never contend.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
)

// DefaultSafetyBuffer is subtracted from a session's expiry before the
// cache will hand it out, so callers never hold a token that dies
// mid-call.
const DefaultSafetyBuffer = 5 * time.Minute

// DefaultLoginAttempts is how many times a login is tried before the
// failure surfaces as an AuthenticationError.
const DefaultLoginAttempts = 2

// LoginResult is what a successful login against the remote platform
// yields. The protocol behind it (OAuth, SOAP, JWT) is not this
// package's concern.
type LoginResult struct {
	Token         string
	ServerBaseURL string
	ExpiresAt     time.Time
}

// LoginService performs the remote login for an endpoint.
type LoginService interface {
	Login(ctx context.Context, endpointKey string) (*LoginResult, error)
}

// LoginFunc adapts a function to the LoginService interface.
type LoginFunc func(ctx context.Context, endpointKey string) (*LoginResult, error)

func (f LoginFunc) Login(ctx context.Context, endpointKey string) (*LoginResult, error) {
	return f(ctx, endpointKey)
}

// AuthenticationError indicates the remote platform rejected the
// credentials or the login call failed after retries. It is fatal to
// the current session; callers invalidate and retry once at most.
type AuthenticationError struct {
	EndpointKey string
	Err         error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for endpoint %q: %v", e.EndpointKey, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err is, or wraps, an
// AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// Option configures a Cache.
type Option func(*Cache)

// WithSafetyBuffer overrides the expiry safety buffer.
func WithSafetyBuffer(d time.Duration) Option {
	return func(c *Cache) { c.safetyBuffer = d }
}

// WithLoginAttempts overrides how many login attempts are made before
// giving up.
func WithLoginAttempts(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.loginAttempts = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the cache logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is a thread-safe, lazily-populated session cache. Sessions are
// replaced wholesale, never mutated, so readers always observe a
// complete value.
type Cache struct {
	login         LoginService
	safetyBuffer  time.Duration
	loginAttempts int
	now           func() time.Time
	logger        zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*models.Session
	keyLocks map[string]*sync.Mutex
}

// NewCache returns a Cache performing logins through the given service.
func NewCache(login LoginService, opts ...Option) *Cache {
	c := &Cache{
		login:         login,
		safetyBuffer:  DefaultSafetyBuffer,
		loginAttempts: DefaultLoginAttempts,
		now:           time.Now,
		logger:        zerolog.Nop(),
		sessions:      make(map[string]*models.Session),
		keyLocks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a valid session for the endpoint, logging in on first
// use or after expiry. Concurrent callers for the same endpoint share
// a single login; the fast path takes only a read lock.
func (c *Cache) Get(ctx context.Context, endpointKey string) (*models.Session, error) {
	if s := c.lookup(endpointKey); s.ValidAt(c.now(), c.safetyBuffer) {
		return s, nil
	}

	lock := c.keyLock(endpointKey)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the key lock: another caller may have just
	// finished logging in.
	if s := c.lookup(endpointKey); s.ValidAt(c.now(), c.safetyBuffer) {
		return s, nil
	}

	s, err := c.loginWithRetry(ctx, endpointKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[endpointKey] = s
	c.mu.Unlock()

	c.logger.Info().
		Str("endpoint", endpointKey).
		Time("expires_at", s.ExpiresAt).
		Msg("session established")

	return s, nil
}

// Invalidate drops the cached session for the endpoint. The next Get
// performs a fresh login.
func (c *Cache) Invalidate(endpointKey string) {
	c.mu.Lock()
	_, had := c.sessions[endpointKey]
	delete(c.sessions, endpointKey)
	c.mu.Unlock()

	if had {
		c.logger.Info().Str("endpoint", endpointKey).Msg("session invalidated")
	}
}

// InvalidateAll drops every cached session. Used on orchestrator stop.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.sessions = make(map[string]*models.Session)
	c.mu.Unlock()
}

func (c *Cache) lookup(endpointKey string) *models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[endpointKey]
}

func (c *Cache) keyLock(endpointKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.keyLocks[endpointKey]
	if !ok {
		lock = &sync.Mutex{}
		c.keyLocks[endpointKey] = lock
	}
	return lock
}

func (c *Cache) loginWithRetry(ctx context.Context, endpointKey string) (*models.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.loginAttempts; attempt++ {
		res, err := c.login.Login(ctx, endpointKey)
		if err == nil {
			now := c.now()
			return &models.Session{
				EndpointKey:   endpointKey,
				Token:         res.Token,
				ServerBaseURL: res.ServerBaseURL,
				IssuedAt:      now,
				ExpiresAt:     res.ExpiresAt,
			}, nil
		}

		lastErr = err
		c.logger.Warn().
			Str("endpoint", endpointKey).
			Int("attempt", attempt).
			Err(err).
			Msg("login attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &AuthenticationError{EndpointKey: endpointKey, Err: lastErr}
}
