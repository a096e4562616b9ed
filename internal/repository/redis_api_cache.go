package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ox-it/apiox-core/internal/db/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// apiCacheKey is the Redis hash holding one JSON document per API ID.
const apiCacheKey = "api"

// CachedAPIRepository fronts an APIRepository with a Redis hash so proxy
// dispatch does not hit the database on every request. Writes go to the
// database first and then invalidate the cached entry. Redis failures are
// logged and fall through to the database.
type CachedAPIRepository struct {
	next   APIRepository
	client redis.UniversalClient
	logger *zap.Logger
}

// NewCachedAPIRepository wraps next with a Redis read-through cache
func NewCachedAPIRepository(next APIRepository, client redis.UniversalClient, logger *zap.Logger) *CachedAPIRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedAPIRepository{next: next, client: client, logger: logger.Named("api-cache")}
}

// NewRedisClient parses a redis:// URL and verifies connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Get returns the cached definition, loading and caching it on a miss
func (c *CachedAPIRepository) Get(ctx context.Context, id string) (*models.API, error) {
	raw, err := c.client.HGet(ctx, apiCacheKey, id).Bytes()
	switch {
	case err == nil:
		api := new(models.API)
		if jsonErr := json.Unmarshal(raw, api); jsonErr == nil {
			return api, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("api_id", id))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", zap.String("api_id", id), zap.Error(err))
	}

	api, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, api)
	return api, nil
}

// List always reads from the database and refreshes the cache
func (c *CachedAPIRepository) List(ctx context.Context) ([]models.API, error) {
	apis, err := c.next.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range apis {
		c.store(ctx, &apis[i])
	}
	return apis, nil
}

// Upsert writes through and invalidates the cached entry
func (c *CachedAPIRepository) Upsert(ctx context.Context, api *models.API) error {
	if err := c.next.Upsert(ctx, api); err != nil {
		return err
	}
	c.invalidate(ctx, api.ID)
	return nil
}

// Delete removes the definition and its cached entry
func (c *CachedAPIRepository) Delete(ctx context.Context, id string) error {
	if err := c.next.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

func (c *CachedAPIRepository) store(ctx context.Context, api *models.API) {
	raw, err := json.Marshal(api)
	if err != nil {
		c.logger.Warn("encode cache entry", zap.String("api_id", api.ID), zap.Error(err))
		return
	}
	if err := c.client.HSet(ctx, apiCacheKey, api.ID, raw).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("api_id", api.ID), zap.Error(err))
	}
}

func (c *CachedAPIRepository) invalidate(ctx context.Context, id string) {
	if err := c.client.HDel(ctx, apiCacheKey, id).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("api_id", id), zap.Error(err))
	}
}
