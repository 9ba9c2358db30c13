package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"go.uber.org/zap"
)

// MemoryStore is a process-local ConfigStore guarded by a RWMutex.
type MemoryStore struct {
	configs map[string]*domain.CallConfig
	mutex   sync.RWMutex
	maxAge  time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store whose entries become invisible after maxAge.
func NewMemoryStore(maxAge time.Duration, opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		configs: make(map[string]*domain.CallConfig),
		maxAge:  maxAge,
		now:     o.now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, cfg *domain.CallConfig) error {
	if cfg == nil || cfg.CallSID == "" {
		return fmt.Errorf("%w: call_sid", domain.ErrMissingParameter)
	}

	stored := copyConfig(cfg)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.mutex.Lock()
	s.configs[stored.CallSID] = stored
	s.mutex.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callSID string) (*domain.CallConfig, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cfg, exists := s.configs[callSID]
	if !exists || cfg.Expired(s.now(), s.maxAge) {
		return nil, false, nil
	}
	return copyConfig(cfg), true, nil
}

func (s *MemoryStore) FindByDestination(ctx context.Context, number string) (*domain.CallConfig, bool, error) {
	if number == "" {
		return nil, false, nil
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	now := s.now()
	for _, cfg := range s.configs {
		if cfg.ToNumber == number && !cfg.Expired(now, s.maxAge) {
			return copyConfig(cfg), true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) Delete(ctx context.Context, callSID string) error {
	s.mutex.Lock()
	delete(s.configs, callSID)
	s.mutex.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	removed := 0
	for sid, cfg := range s.configs {
		if cfg.Expired(now, maxAge) {
			delete(s.configs, sid)
			removed++
			logger.Base().Info("Cleaned up old config", zap.String("call_sid", sid), zap.Duration("age", cfg.Age(now)))
		}
	}
	return removed, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*domain.CallConfig, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	now := s.now()
	configs := make([]*domain.CallConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if !cfg.Expired(now, s.maxAge) {
			configs = append(configs, copyConfig(cfg))
		}
	}
	return configs, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.configs)
}
