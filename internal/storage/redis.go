package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/config"
)

// RedisStore caches model inventories fetched from the renderer so the UI
// can repopulate its pickers without hammering /object_info.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, ttl: cfg.ModelTTL}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

const modelListKeyPrefix = "models:"

// CacheModelList stores one model inventory (checkpoints, loras, upscale
// models, samplers...) under its kind for the configured TTL.
func (s *RedisStore) CacheModelList(ctx context.Context, kind string, models []string) error {
	data, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("failed to marshal model list: %w", err)
	}
	return s.client.Set(ctx, modelListKeyPrefix+kind, data, s.ttl).Err()
}

// CachedModelList returns the cached inventory for kind, or (nil, false)
// on a miss.
func (s *RedisStore) CachedModelList(ctx context.Context, kind string) ([]string, bool) {
	data, err := s.client.Get(ctx, modelListKeyPrefix+kind).Bytes()
	if err != nil {
		return nil, false
	}
	var models []string
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, false
	}
	return models, true
}

// InvalidateModelLists drops every cached inventory, forcing the next
// request to refetch from the renderer.
func (s *RedisStore) InvalidateModelLists(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, modelListKeyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
