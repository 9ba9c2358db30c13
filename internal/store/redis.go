package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/redis"
	"go.uber.org/zap"
)

// RedisStore shares call configs between bridge instances. Entries carry a Redis TTL
// of maxAge, so Sweep only catches entries written without one.
type RedisStore struct {
	redisSvc redis.RedisServiceInterface
	maxAge   time.Duration
	now      func() time.Time
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(redisSvc redis.RedisServiceInterface, maxAge time.Duration, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		redisSvc: redisSvc,
		maxAge:   maxAge,
		now:      o.now,
	}
}

func (s *RedisStore) key(callSID string) string {
	return s.redisSvc.GenerateKey(redis.CALL_CONFIG, callSID)
}

func (s *RedisStore) Put(ctx context.Context, cfg *domain.CallConfig) error {
	if cfg == nil || cfg.CallSID == "" {
		return fmt.Errorf("%w: call_sid", domain.ErrMissingParameter)
	}

	stored := copyConfig(cfg)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal call config: %w", err)
	}

	ttl := time.Duration(0)
	if s.maxAge > 0 {
		ttl = s.maxAge
	}
	if err := s.redisSvc.SetValue(ctx, s.key(stored.CallSID), string(data), ttl); err != nil {
		return fmt.Errorf("failed to store call config: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, callSID string) (*domain.CallConfig, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}

	cfg, err := s.load(ctx, s.key(callSID))
	if err != nil || cfg == nil {
		return nil, false, err
	}
	if cfg.Expired(s.now(), s.maxAge) {
		return nil, false, nil
	}
	return cfg, true, nil
}

func (s *RedisStore) FindByDestination(ctx context.Context, number string) (*domain.CallConfig, bool, error) {
	if number == "" {
		return nil, false, nil
	}

	configs, err := s.scan(ctx)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	for _, cfg := range configs {
		if cfg.ToNumber == number && !cfg.Expired(now, s.maxAge) {
			return cfg, true, nil
		}
	}
	return nil, false, nil
}

func (s *RedisStore) Delete(ctx context.Context, callSID string) error {
	if callSID == "" {
		return nil
	}
	if err := s.redisSvc.DelValue(ctx, s.key(callSID)); err != nil {
		return fmt.Errorf("failed to delete call config: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	configs, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, cfg := range configs {
		if !cfg.Expired(now, maxAge) {
			continue
		}
		if err := s.Delete(ctx, cfg.CallSID); err != nil {
			logger.Base().Warn("Failed to sweep call config", zap.String("call_sid", cfg.CallSID), zap.Error(err))
			continue
		}
		removed++
		logger.Base().Info("Cleaned up old config", zap.String("call_sid", cfg.CallSID), zap.Duration("age", cfg.Age(now)))
	}
	return removed, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*domain.CallConfig, error) {
	configs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	visible := configs[:0]
	for _, cfg := range configs {
		if !cfg.Expired(now, s.maxAge) {
			visible = append(visible, cfg)
		}
	}
	return visible, nil
}

// scan loads every stored config. Keys that vanish between SCAN and GET are skipped.
func (s *RedisStore) scan(ctx context.Context) ([]*domain.CallConfig, error) {
	keys, err := s.redisSvc.ScanKeys(ctx, redis.CALL_CONFIG)
	if err != nil {
		return nil, fmt.Errorf("failed to scan call configs: %w", err)
	}

	configs := make([]*domain.CallConfig, 0, len(keys))
	for _, key := range keys {
		cfg, err := s.load(ctx, key)
		if err != nil {
			logger.Base().Warn("Skipping unreadable call config", zap.String("key", key), zap.Error(err))
			continue
		}
		if cfg != nil {
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (*domain.CallConfig, error) {
	val, err := s.redisSvc.GetValue(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call config: %w", err)
	}

	var cfg domain.CallConfig
	if err := json.Unmarshal([]byte(val), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call config %s: %w", strings.TrimSuffix(key, ":"), err)
	}
	if cfg.DynamicVariables == nil {
		cfg.DynamicVariables = map[string]interface{}{}
	}
	return &cfg, nil
}
