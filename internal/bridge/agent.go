package bridge

import (
	"context"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/elevenlabs"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"go.uber.org/zap"
)

// AgentSession is a live conversation with a voice agent
type AgentSession interface {
	SendAudio(audio []byte) error
	End()
	Wait(ctx context.Context) error
	Done() <-chan struct{}
}

// AgentOutput receives what the agent produces
type AgentOutput struct {
	OnAudio          func(audio []byte)
	OnInterruption   func()
	OnAgentResponse  func(text string)
	OnUserTranscript func(text string)
}

// AgentSessionFactory starts agent sessions for resolved call configs
type AgentSessionFactory interface {
	StartSession(ctx context.Context, cfg *domain.CallConfig, out AgentOutput) (AgentSession, error)
}

// EventSink observes conversation events of every media session
type EventSink interface {
	OnAgentResponse(callSID, text string)
	OnUserTranscript(callSID, text string)
	OnSessionEnded(callSID string, err error)
}

// ElevenLabsFactory starts ElevenLabs ConvAI sessions
type ElevenLabsFactory struct {
	client       *elevenlabs.Client
	requiresAuth bool
}

func NewElevenLabsFactory(client *elevenlabs.Client, requiresAuth bool) *ElevenLabsFactory {
	return &ElevenLabsFactory{client: client, requiresAuth: requiresAuth}
}

func (f *ElevenLabsFactory) StartSession(ctx context.Context, cfg *domain.CallConfig, out AgentOutput) (AgentSession, error) {
	s, err := f.client.StartSession(ctx, elevenlabs.SessionConfig{
		AgentID:          cfg.AgentID,
		DynamicVariables: cfg.DynamicVariables,
		RequiresAuth:     f.requiresAuth,
	}, elevenlabs.Callbacks{
		OnAudio:          out.OnAudio,
		OnInterruption:   out.OnInterruption,
		OnAgentResponse:  out.OnAgentResponse,
		OnUserTranscript: out.OnUserTranscript,
		OnAgentResponseCorrection: func(original, corrected string) {
			logger.Base().Debug("Agent response corrected", zap.String("agent_id", cfg.AgentID), zap.String("corrected", corrected))
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LogSink writes conversation events to the log
type LogSink struct{}

func (LogSink) OnAgentResponse(callSID, text string) {
	logger.Base().Info("Agent", zap.String("call_sid", callSID), zap.String("text", text))
}

func (LogSink) OnUserTranscript(callSID, text string) {
	logger.Base().Info("User", zap.String("call_sid", callSID), zap.String("text", text))
}

func (LogSink) OnSessionEnded(callSID string, err error) {
	if err != nil {
		logger.Base().Warn("Conversation ended with error", zap.String("call_sid", callSID), zap.Error(err))
		return
	}
	logger.Base().Info("Conversation ended", zap.String("call_sid", callSID))
}
