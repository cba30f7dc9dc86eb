// Package connection builds and caches per-protocol connection handles
// on top of the session cache. A Connection is derived from exactly
// one Session and is recreated whenever the backing session is
// replaced, so a stale token never leaks into an outbound call.
package connection

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
	"github.com/crmmirror/crmmirror/pkg/session"
)

// ProtocolKind selects which service surface of the remote platform a
// connection talks to.
type ProtocolKind string

const (
	ProtocolQuery      ProtocolKind = "query"
	ProtocolBulkIngest ProtocolKind = "bulk-ingest"
	ProtocolStreaming  ProtocolKind = "streaming"
)

// servicePath is the path appended to the session's server base URL
// for each protocol.
func (k ProtocolKind) servicePath() string {
	switch k {
	case ProtocolQuery:
		return "/services/data"
	case ProtocolBulkIngest:
		return "/services/ingest"
	case ProtocolStreaming:
		return "/services/stream"
	default:
		return "/services/data"
	}
}

// DefaultAuthRetries is how many times WithAuthRetry re-acquires a
// connection after an authentication failure before surfacing the
// error. Bounded so permanently bad credentials cannot loop forever.
const DefaultAuthRetries = 1

// Connection is a protocol-specific handle derived from a session.
type Connection struct {
	Protocol   ProtocolKind
	Session    *models.Session
	ServiceURL string
}

type cacheKey struct {
	endpoint string
	protocol ProtocolKind
}

// Cache caches connections keyed by (endpointKey, protocolKind) with
// the same double-checked get-or-init discipline as the session cache.
type Cache struct {
	sessions    *session.Cache
	authRetries int
	logger      zerolog.Logger

	mu       sync.RWMutex
	conns    map[cacheKey]*Connection
	keyLocks map[cacheKey]*sync.Mutex
}

// CacheOption configures a connection Cache.
type CacheOption func(*Cache)

// WithAuthRetries overrides the bounded retry count used by
// WithAuthRetry.
func WithAuthRetries(n int) CacheOption {
	return func(c *Cache) {
		if n >= 0 {
			c.authRetries = n
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l zerolog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache returns a connection Cache backed by the session cache.
func NewCache(sessions *session.Cache, opts ...CacheOption) *Cache {
	c := &Cache{
		sessions:    sessions,
		authRetries: DefaultAuthRetries,
		logger:      zerolog.Nop(),
		conns:       make(map[cacheKey]*Connection),
		keyLocks:    make(map[cacheKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a connection for the endpoint and protocol, building one
// from a fresh session on first use. A cached connection whose backing
// session has been replaced or expired is treated as a miss and
// rebuilt under the per-key lock.
func (c *Cache) Get(ctx context.Context, endpointKey string, kind ProtocolKind) (*Connection, error) {
	key := cacheKey{endpoint: endpointKey, protocol: kind}

	cur, err := c.sessions.Get(ctx, endpointKey)
	if err != nil {
		return nil, err
	}

	if conn := c.lookup(key); conn != nil && conn.Session == cur {
		return conn, nil
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if conn := c.lookup(key); conn != nil && conn.Session == cur {
		return conn, nil
	}

	conn := &Connection{
		Protocol:   kind,
		Session:    cur,
		ServiceURL: cur.ServerBaseURL + kind.servicePath(),
	}

	c.mu.Lock()
	c.conns[key] = conn
	c.mu.Unlock()

	c.logger.Info().
		Str("endpoint", endpointKey).
		Str("protocol", string(kind)).
		Str("service_url", conn.ServiceURL).
		Msg("connection established")

	return conn, nil
}

// Invalidate drops the cached connection for the endpoint and protocol.
func (c *Cache) Invalidate(endpointKey string, kind ProtocolKind) {
	key := cacheKey{endpoint: endpointKey, protocol: kind}
	c.mu.Lock()
	delete(c.conns, key)
	c.mu.Unlock()
}

// InvalidateSession drops every connection for the endpoint together
// with its backing session. This is the recovery entry point after an
// authentication failure on any call through a connection.
func (c *Cache) InvalidateSession(endpointKey string) {
	c.mu.Lock()
	for key := range c.conns {
		if key.endpoint == endpointKey {
			delete(c.conns, key)
		}
	}
	c.mu.Unlock()

	c.sessions.Invalidate(endpointKey)
	c.logger.Info().Str("endpoint", endpointKey).Msg("connections and session invalidated")
}

// WithAuthRetry runs fn with a connection, and on an authentication
// error invalidates both the connection and its backing session before
// retrying with a freshly built connection. Retries are bounded; other
// errors are returned as-is on the first occurrence.
func (c *Cache) WithAuthRetry(ctx context.Context, endpointKey string, kind ProtocolKind, fn func(*Connection) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.authRetries; attempt++ {
		conn, err := c.Get(ctx, endpointKey, kind)
		if err != nil {
			return err
		}

		err = fn(conn)
		if err == nil {
			return nil
		}
		if !session.IsAuthenticationError(err) {
			return err
		}

		lastErr = err
		c.logger.Warn().
			Str("endpoint", endpointKey).
			Str("protocol", string(kind)).
			Int("attempt", attempt+1).
			Err(err).
			Msg("authentication failure, invalidating connection and session")

		c.InvalidateSession(endpointKey)
	}
	return lastErr
}

func (c *Cache) lookup(key cacheKey) *Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[key]
}

func (c *Cache) keyLock(key cacheKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.keyLocks[key] = lock
	}
	return lock
}
