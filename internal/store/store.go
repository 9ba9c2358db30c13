package store

import (
	"context"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// ConfigStore maps Twilio call SIDs to the config registered for the call.
//
// Lookups of unknown or expired SIDs report ok == false rather than an error.
// Delete of an absent SID is a no-op, so session teardown and the sweeper can race freely.
// FindByDestination returns the first unexpired match; when several calls share a
// destination the winner is unspecified.
type ConfigStore interface {
	Put(ctx context.Context, cfg *domain.CallConfig) error
	Get(ctx context.Context, callSID string) (*domain.CallConfig, bool, error)
	FindByDestination(ctx context.Context, number string) (*domain.CallConfig, bool, error)
	Delete(ctx context.Context, callSID string) error
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	List(ctx context.Context) ([]*domain.CallConfig, error)
}

// Option configures a store
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for CreatedAt and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StartSweepRoutine removes configs older than maxAge every interval until ctx is cancelled.
func StartSweepRoutine(ctx context.Context, s ConfigStore, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Base().Info("Started config sweep routine", zap.Duration("interval", interval), zap.Duration("max_age", maxAge))
	for {
		select {
		case <-ctx.Done():
			logger.Base().Info("Config sweep routine stopped")
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx, maxAge)
			if err != nil {
				logger.Base().Error("Config sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Base().Info("Swept expired call configs", zap.Int("removed", removed))
			}
		}
	}
}

// copyConfig returns a deep copy so callers can never mutate stored entries.
func copyConfig(original *domain.CallConfig) *domain.CallConfig {
	if original == nil {
		return nil
	}

	var cp domain.CallConfig
	if err := copier.CopyWithOption(&cp, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("Failed to copy call config", zap.String("call_sid", original.CallSID), zap.Error(err))
		cp = *original
		cp.DynamicVariables = make(map[string]interface{}, len(original.DynamicVariables))
		for k, v := range original.DynamicVariables {
			cp.DynamicVariables[k] = v
		}
	}
	if cp.DynamicVariables == nil {
		cp.DynamicVariables = map[string]interface{}{}
	}
	return &cp
}
