package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/models"
	"ledger-api/internal/repository"
)

var ErrCacheMiss = errors.New("cache miss")

type CacheService interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type redisCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisCache(client redis.UniversalClient, keyPrefix string) CacheService {
	return &redisCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *redisCache) buildKey(key string) string {
	if r.keyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.keyPrefix, key)
	}
	return key
}

func (r *redisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if err := r.client.Set(ctx, r.buildKey(key), data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}
	return nil
}

func (r *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, r.buildKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

func (r *redisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

const rewardSettingsKey = "settings:rewards"

// settingsCache is a read-through cache in front of the settings collection.
// Reads hit a small in-process cache first, then Redis, then MongoDB. Cache
// failures fall back to MongoDB.
type settingsCache struct {
	cache    CacheService
	repo     repository.SettingsRepository
	ttl      time.Duration
	local    *ccache.Cache
	localTTL time.Duration
}

// NewSettingsCache builds the settings read path. A localTTL of zero disables
// the in-process layer; other instances may serve stale settings for up to
// localTTL after a save.
func NewSettingsCache(cache CacheService, repo repository.SettingsRepository, ttl, localTTL time.Duration) repository.SettingsRepository {
	s := &settingsCache{
		cache:    cache,
		repo:     repo,
		ttl:      ttl,
		localTTL: localTTL,
	}
	if localTTL > 0 {
		s.local = ccache.New(ccache.Configure().MaxSize(16).ItemsToPrune(1))
	}
	return s
}

func (s *settingsCache) GetRewards(ctx context.Context) (*models.RewardSettings, error) {
	if cached := s.fromLocal(); cached != nil {
		return cached, nil
	}

	var settings models.RewardSettings
	err := s.cache.Get(ctx, rewardSettingsKey, &settings)
	if err == nil {
		settings.ID = models.RewardSettingsID
		s.storeLocal(&settings)
		return &settings, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		logrus.WithError(err).Warn("Reward settings cache read failed")
	}

	loaded, err := s.repo.GetRewards(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, rewardSettingsKey, loaded, s.ttl); err != nil {
		logrus.WithError(err).Warn("Reward settings cache write failed")
	}
	s.storeLocal(loaded)
	return loaded, nil
}

func (s *settingsCache) fromLocal() *models.RewardSettings {
	if s.local == nil {
		return nil
	}
	item := s.local.Get(rewardSettingsKey)
	if item == nil || item.Expired() {
		return nil
	}
	settings, ok := item.Value().(models.RewardSettings)
	if !ok {
		return nil
	}
	return &settings
}

// storeLocal keeps a copy so callers cannot mutate the cached value.
func (s *settingsCache) storeLocal(settings *models.RewardSettings) {
	if s.local == nil {
		return
	}
	s.local.Set(rewardSettingsKey, *settings, s.localTTL)
}

func (s *settingsCache) SaveRewards(ctx context.Context, settings *models.RewardSettings) error {
	if err := s.repo.SaveRewards(ctx, settings); err != nil {
		return err
	}
	if s.local != nil {
		s.local.Delete(rewardSettingsKey)
	}
	if err := s.cache.Delete(ctx, rewardSettingsKey); err != nil {
		logrus.WithError(err).Warn("Reward settings cache invalidation failed")
	}
	return nil
}
