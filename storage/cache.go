package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"ecb-maintenance/domain"
)

const boardCacheKey = "board:snapshot"

type backend interface {
	LoadBoard(ctx context.Context) (domain.Snapshot, bool, error)
	SaveBoard(ctx context.Context, snapshot domain.Snapshot) error
}

// Cache wraps a board backend with a Redis read-through cache. Saved snapshots are written
// through and published on the updates channel.
type Cache struct {
	base    backend
	redis   *redis.Client
	ttl     time.Duration
	channel string
	logger  *log.Logger
	loads   singleflight.Group
}

// NewCache creates a caching wrapper around base. An empty channel disables publishing.
func NewCache(base backend, client *redis.Client, ttl time.Duration, channel string, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if logger == nil {
		panic("storage.NewCache: logger is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, channel: channel, logger: logger}
}

func (c *Cache) LoadBoard(ctx context.Context) (domain.Snapshot, bool, error) {
	if snap, ok := c.loadFromCache(ctx); ok {
		return snap, true, nil
	}

	type loaded struct {
		snap domain.Snapshot
		ok   bool
	}
	v, err, _ := c.loads.Do(boardCacheKey, func() (any, error) {
		snap, ok, err := c.base.LoadBoard(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			c.store(ctx, snap)
		}
		return loaded{snap: snap, ok: ok}, nil
	})
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	res := v.(loaded)
	return domain.Snapshot{Version: res.snap.Version, Lists: domain.CloneLists(res.snap.Lists), UpdatedAt: res.snap.UpdatedAt}, res.ok, nil
}

func (c *Cache) SaveBoard(ctx context.Context, snapshot domain.Snapshot) error {
	if err := c.base.SaveBoard(ctx, snapshot); err != nil {
		return err
	}
	c.store(ctx, snapshot)
	c.publish(ctx, snapshot)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context) (domain.Snapshot, bool) {
	if c.redis == nil {
		return domain.Snapshot{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			c.logger.WithError(err).Warn("board cache read failed")
			_ = c.redis.Del(ctx, boardCacheKey).Err()
		}
		return domain.Snapshot{}, false
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey).Err()
		return domain.Snapshot{}, false
	}
	return snap, true
}

// store caches snap unless the cache already holds a newer version.
func (c *Cache) store(ctx context.Context, snap domain.Snapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, boardCacheKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cached domain.Snapshot
			if json.Unmarshal(current, &cached) == nil && cached.Version > snap.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, boardCacheKey, data, c.ttl)
			return nil
		})
		return err
	}, boardCacheKey)
	if err != nil {
		c.logger.WithError(err).Warn("board cache refresh failed, evicting")
		_ = c.redis.Del(ctx, boardCacheKey).Err()
	}
}

func (c *Cache) publish(ctx context.Context, snap domain.Snapshot) {
	if c.redis == nil || c.channel == "" {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.redis.Publish(ctx, c.channel, data).Err(); err != nil {
		c.logger.WithError(err).WithField("channel", c.channel).Warn("board update publish failed")
	}
}
