package call

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/store"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/twilio"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallService places outbound calls and resolves the agent config of a call
type CallService struct {
	config  *config.CallBridgeConfig
	store   store.ConfigStore
	twilio  twilio.CallCreator
	limiter *rate.Limiter
	// longest a request may queue for a call slot
	queueTimeout time.Duration
	cleanup      CleanupNotifier
}

// NewCallService creates the call service. cleanup may be nil.
func NewCallService(cfg *config.CallBridgeConfig, configStore store.ConfigStore, twilioClient twilio.CallCreator, cleanup CleanupNotifier) *CallService {
	limit := rate.Inf
	if cfg.TwilioCallsPerSecond > 0 {
		limit = rate.Limit(cfg.TwilioCallsPerSecond)
	}
	burst := int(cfg.TwilioCallsPerSecond)
	if burst < 1 {
		burst = 1
	}

	queueTimeout := cfg.TwilioQueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = config.DefaultCallQueueTimeout
	}

	return &CallService{
		config:       cfg,
		store:        configStore,
		twilio:       twilioClient,
		limiter:      rate.NewLimiter(limit, burst),
		queueTimeout: queueTimeout,
		cleanup:      cleanup,
	}
}

// SetCleanupNotifier replaces the notifier used for completed calls
func (s *CallService) SetCleanupNotifier(cleanup CleanupNotifier) {
	s.cleanup = cleanup
}

// Store exposes the config store backing the service
func (s *CallService) Store() store.ConfigStore {
	return s.store
}

// Initiate places an outbound call and registers its config under the SID Twilio returned.
// Nothing is stored when Twilio rejects the call.
func (s *CallService) Initiate(ctx context.Context, req OutboundCallRequest) (*OutboundCallResult, error) {
	to := strings.TrimSpace(req.To)
	agentID := strings.TrimSpace(req.AgentID)
	if to == "" || agentID == "" {
		return nil, &domain.MissingParameterError{Params: []string{"to", "agent_id"}}
	}

	if err := s.waitForCallSlot(ctx); err != nil {
		return nil, err
	}

	callSID, err := s.twilio.CreateCall(ctx, twilio.CallRequest{
		To:             to,
		URL:            s.config.TwiMLURL(),
		StatusCallback: s.config.StatusCallbackURL(),
	})
	if err != nil {
		return nil, err
	}

	vars := req.DynamicVariables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	if err := s.store.Put(ctx, &domain.CallConfig{
		CallSID:          callSID,
		AgentID:          agentID,
		DynamicVariables: vars,
		ToNumber:         to,
	}); err != nil {
		// The call is already ringing; the media session falls back to a destination lookup or fails.
		logger.Base().Error("Failed to store call config", zap.String("call_sid", callSID), zap.Error(err))
		return nil, fmt.Errorf("failed to store config for call %s: %w", callSID, err)
	}

	logger.Base().Info("Outbound call initiated",
		zap.String("call_sid", callSID),
		zap.String("to", to),
		zap.String("agent_id", agentID),
		zap.Int("dynamic_variables", len(vars)))

	return &OutboundCallResult{Success: true, Message: "Call initiated", CallSID: callSID}, nil
}

// waitForCallSlot blocks until the Twilio call rate allows another call. A request that
// would queue longer than queueTimeout is refused at once and takes no slot.
func (s *CallService) waitForCallSlot(ctx context.Context) error {
	r := s.limiter.Reserve()
	if !r.OK() {
		return &domain.ProviderError{Provider: "twilio", Status: http.StatusTooManyRequests, Err: domain.ErrRateLimited}
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > s.queueTimeout {
		r.Cancel()
		logger.Base().Warn("Outbound call queue full", zap.Duration("delay", delay), zap.Duration("queue_timeout", s.queueTimeout))
		return &domain.ProviderError{
			Provider: "twilio",
			Status:   http.StatusTooManyRequests,
			Err:      fmt.Errorf("%w: next call slot in %s", domain.ErrRateLimited, delay.Round(time.Millisecond)),
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return &domain.ProviderError{Provider: "twilio", Err: fmt.Errorf("call rate limit: %w", ctx.Err())}
	}
}

// Lookup finds the registered config of a call, first by SID and then by dialed number.
// It returns domain.ErrConfigNotFound when neither matches.
func (s *CallService) Lookup(ctx context.Context, callSID, to string) (*Resolution, error) {
	var lookupErr error

	if callSID != "" {
		cfg, ok, err := s.store.Get(ctx, callSID)
		if err != nil {
			logger.Base().Warn("Config lookup by call SID failed", zap.String("call_sid", callSID), zap.Error(err))
			lookupErr = err
		} else if ok {
			return &Resolution{Config: cfg, Source: MatchByCallSID}, nil
		}
	}

	if to != "" {
		cfg, ok, err := s.store.FindByDestination(ctx, to)
		if err != nil {
			logger.Base().Warn("Config lookup by destination failed", zap.String("to", to), zap.Error(err))
			lookupErr = errors.Join(lookupErr, err)
		} else if ok {
			logger.Base().Info("Config matched by destination number", zap.String("call_sid", callSID), zap.String("matched_call_sid", cfg.CallSID), zap.String("to", to))
			return &Resolution{Config: cfg, Source: MatchByDestination}, nil
		}
	}

	if lookupErr != nil {
		return nil, fmt.Errorf("%w: call_sid=%q to=%q: %w", domain.ErrConfigNotFound, callSID, to, lookupErr)
	}
	return nil, fmt.Errorf("%w: call_sid=%q to=%q", domain.ErrConfigNotFound, callSID, to)
}

// Resolve behaves like Lookup but falls back to the default agent instead of failing.
func (s *CallService) Resolve(ctx context.Context, callSID, to string) *Resolution {
	res, err := s.Lookup(ctx, callSID, to)
	if err == nil {
		return res
	}
	logger.Base().Info("No registered config, using default agent",
		zap.String("call_sid", callSID), zap.String("to", to), zap.String("agent_id", s.config.DefaultAgentID))
	return s.DefaultResolution()
}

// DefaultResolution returns the configured default agent with no variables
func (s *CallService) DefaultResolution() *Resolution {
	return &Resolution{Config: domain.DefaultCallConfig(s.config.DefaultAgentID), Source: MatchDefault}
}

// FallbackToDefault reports whether media sessions may run the default agent for unknown calls
func (s *CallService) FallbackToDefault() bool {
	return s.config.FallbackToDefaultAgent && s.config.DefaultAgentID != ""
}

// Forget drops the config of a finished call
func (s *CallService) Forget(ctx context.Context, callSID string) error {
	if callSID == "" {
		return nil
	}
	return s.store.Delete(ctx, callSID)
}

// HandleStatus reacts to a Twilio call status callback. Calls that end before a media
// stream opens never reach session teardown, so their configs are dropped here.
func (s *CallService) HandleStatus(ctx context.Context, callSID, status string) error {
	if callSID == "" {
		return &domain.MissingParameterError{Params: []string{"CallSid"}}
	}

	status = strings.ToLower(strings.TrimSpace(status))
	logger.Base().Info("Call status update", zap.String("call_sid", callSID), zap.String("status", status))

	switch {
	case domain.IsTerminalWithoutMedia(status):
		if err := s.Forget(ctx, callSID); err != nil {
			return fmt.Errorf("failed to drop config for %s call: %w", status, err)
		}
		logger.Base().Info("Dropped config of unanswered call", zap.String("call_sid", callSID), zap.String("status", status))
	case status == domain.CallStatusCompleted:
		if s.cleanup != nil {
			if err := s.cleanup.NotifyCleanup(ctx, callSID); err != nil {
				logger.Base().Warn("Failed to broadcast session cleanup", zap.String("call_sid", callSID), zap.Error(err))
			}
		}
	}
	return nil
}
