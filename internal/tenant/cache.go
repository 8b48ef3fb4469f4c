package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/zapdesk/pkg/logging"
)

// CachedDirectory is a read-through Redis cache in front of another Directory.
// Redis failures fall through to the inner directory.
type CachedDirectory struct {
	inner  Directory
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedDirectory(inner Directory, client *redis.Client, ttl time.Duration, logger *logging.Logger) Directory {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedDirectory{inner: inner, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedDirectory) ChannelByName(ctx context.Context, name string) (Channel, error) {
	return readThrough(ctx, c, "zapdesk:channel:"+name, func() (Channel, error) {
		return c.inner.ChannelByName(ctx, name)
	})
}

func (c *CachedDirectory) Agent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return readThrough(ctx, c, "zapdesk:agent:"+id.String(), func() (Agent, error) {
		return c.inner.Agent(ctx, id)
	})
}

func (c *CachedDirectory) Settings(ctx context.Context, companyID uuid.UUID) (Settings, error) {
	return readThrough(ctx, c, "zapdesk:settings:"+companyID.String(), func() (Settings, error) {
		return c.inner.Settings(ctx, companyID)
	})
}

// Invalidate drops cached records, e.g. after the dashboard edits settings.
func (c *CachedDirectory) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func readThrough[T any](ctx context.Context, c *CachedDirectory, key string, load func() (T, error)) (T, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached T
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			return cached, nil
		}
		c.logger.Warn("tenant cache entry undecodable", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache read failed", "key", key, "error", err)
	}

	value, err := load()
	if err != nil {
		return value, err
	}
	if encoded, err := json.Marshal(value); err == nil {
		if err := c.redis.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant cache write failed", "key", key, "error", err)
		}
	}
	return value, nil
}
