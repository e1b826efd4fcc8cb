// Package history maintains the fast, bounded per-session conversation log
// in Redis, backed by the durable store for misses and long-term truth.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/companionchat/relay/logger"
	"github.com/companionchat/relay/store"
)

const (
	// DefaultTTL is the cache entry lifetime, refreshed on every append.
	DefaultTTL = 24 * time.Hour
	// DefaultQueryTimeout bounds each Redis operation.
	DefaultQueryTimeout = 2 * time.Second

	keyPrefix = "conversation:"
)

// Entry is one cached conversation turn, stored as a JSON list element.
type Entry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Fallback is the durable read path used when the cache has no entry.
type Fallback interface {
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
}

// Cache is a cache-aside conversation history. The caller owns the
// redis.Client lifecycle.
type Cache struct {
	rdb          *redis.Client
	fallback     Fallback
	logger       logger.Logger
	ttl          time.Duration
	queryTimeout time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithQueryTimeout overrides the per-operation Redis timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.queryTimeout = d
	}
}

// New returns a Cache reading through to fallback on misses.
func New(log logger.Logger, rdb *redis.Client, fallback Fallback, opts ...Option) *Cache {
	c := &Cache{
		rdb:          rdb,
		fallback:     fallback,
		logger:       log.With(map[string]interface{}{"component": "history"}),
		ttl:          DefaultTTL,
		queryTimeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the Redis key for a session's conversation list.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

func (c *Cache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.queryTimeout)
}

// Append pushes an entry onto the end of the session's list and refreshes
// the entry TTL. Append failures are the caller's to tolerate: the cache
// is a suffix hint, the durable store is the record.
func (c *Cache) Append(ctx context.Context, sessionID string, entry Entry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	key := Key(sessionID)
	pipe := c.rdb.Pipeline()
	pipe.RPush(qctx, key, data)
	pipe.Expire(qctx, key, c.ttl)
	if _, err := pipe.Exec(qctx); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// Read returns the last limit entries of a session in chronological order.
// An absent or empty cache entry, or a cache error, falls back to the
// durable store. Fallback reads do not warm the cache.
func (c *Cache) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	qctx, cancel := c.queryCtx(ctx)
	raw, err := c.rdb.LRange(qctx, Key(sessionID), int64(-limit), -1).Result()
	cancel()
	if err != nil {
		c.logger.Warn("cache read failed for session %s, falling back to store: %s", sessionID, err)
	} else if len(raw) > 0 {
		entries := make([]Entry, 0, len(raw))
		for _, item := range raw {
			var entry Entry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				c.logger.Warn("skipping undecodable history entry for session %s: %s", sessionID, err)
				continue
			}
			entries = append(entries, entry)
		}
		return entries, nil
	}

	messages, err := c.fallback.ListSessionMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history from store: %w", err)
	}
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, Entry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return entries, nil
}
