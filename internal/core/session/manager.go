package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/redis"
	"go.uber.org/zap"
)

const (
	CleanupChannel = "elevenlabs_calling:session:cleanup"
	SessionTTL     = 1 * time.Hour
)

// SessionInfo describes an active media session for monitoring
type SessionInfo struct {
	CallSID        string    `json:"callSid"`
	StreamSID      string    `json:"streamSid"`
	ConnectionID   string    `json:"connectionId"`
	PodID          string    `json:"podId"`
	AgentID        string    `json:"agentId"`
	ConversationID string    `json:"conversationId,omitempty"`
	StartTime      time.Time `json:"startTime"`
}

// CleanupMessage is the payload for cleanup broadcast
type CleanupMessage struct {
	CallSID string `json:"callSid"`
	PodID   string `json:"podId"`
}

type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// PodID returns the instance id sessions are registered under
func (m *Manager) PodID() string {
	return m.podID
}

// Register session for monitoring
func (m *Manager) Register(ctx context.Context, info SessionInfo) error {
	if info.CallSID == "" {
		return fmt.Errorf("cannot register session without call sid")
	}
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	if err := m.redisSvc.SetValue(ctx, m.redisSvc.GenerateKey(redis.ACTIVE_SESSION, info.CallSID), string(data), SessionTTL); err != nil {
		return err
	}
	logger.Base().Info("Session registered in Redis", zap.String("call_sid", info.CallSID), zap.String("pod_id", m.podID))
	return nil
}

// Unregister session from monitoring
func (m *Manager) Unregister(ctx context.Context, callSID string) error {
	return m.redisSvc.DelValue(ctx, m.redisSvc.GenerateKey(redis.ACTIVE_SESSION, callSID))
}

// Get returns the registered session of a call, if any
func (m *Manager) Get(ctx context.Context, callSID string) (*SessionInfo, bool, error) {
	val, err := m.redisSvc.GetValue(ctx, m.redisSvc.GenerateKey(redis.ACTIVE_SESSION, callSID))
	if err != nil {
		if err == redis.ErrKeyNotExist {
			return nil, false, nil
		}
		return nil, false, err
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal session info: %w", err)
	}
	return &info, true, nil
}

// NotifyCleanup broadcasts a cleanup request to all pods
func (m *Manager) NotifyCleanup(ctx context.Context, callSID string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_sid", callSID))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallSID: callSID, PodID: m.podID})
}

// SubscribeToCleanup listens for cleanup broadcasts until ctx is done
func (m *Manager) SubscribeToCleanup(ctx context.Context, handler func(callSID string)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		if msg.CallSID == "" {
			return
		}
		handler(msg.CallSID)
	})
}
