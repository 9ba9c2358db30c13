package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/core/session"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	cleanupTimeout  = 5 * time.Second
	agentCloseGrace = 500 * time.Millisecond
)

type sessionState int32

const (
	stateAwaitingStart sessionState = iota
	stateStarting
	stateActive
	stateEnding
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingStart:
		return "awaiting_start"
	case stateStarting:
		return "starting"
	case stateActive:
		return "active"
	case stateEnding:
		return "ending"
	}
	return "unknown"
}

// MediaSession bridges one Twilio media stream websocket with one agent session.
// Messages are handled strictly in arrival order on the goroutine running Run.
type MediaSession struct {
	bridge  *Bridge
	id      string
	conn    *websocket.Conn
	adapter *TwilioAudioAdapter

	state    atomic.Int32
	stopping atomic.Bool

	mu          sync.Mutex
	logCtx      context.Context
	callSID     string
	configSID   string
	agent       AgentSession
	registered  bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once
}

func newMediaSession(b *Bridge, conn *websocket.Conn, connectionID string) *MediaSession {
	return &MediaSession{
		bridge:  b,
		id:      connectionID,
		conn:    conn,
		adapter: NewTwilioAudioAdapter(conn),
		logCtx:  context.Background(),
	}
}

// Run reads the websocket until the call ends, then tears the session down.
func (s *MediaSession) Run(ctx context.Context) {
	s.setLogCtx(logger.WithFields(ctx, zap.String("connection_id", s.id)))
	logger.Info(s.ctx(), "Media stream connected")

	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(s.ctx(), "Recovered panic in media session", zap.Any("panic", r), zap.Stack("stack"))
			s.setClose(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		var msg TwilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn(s.ctx(), "Dropping invalid media stream message", zap.Error(err))
			continue
		}

		if err := s.handleMessage(ctx, &msg); err != nil {
			logger.Error(s.ctx(), "Media session failed", zap.String("stage", s.getState().String()), zap.Error(err))
			s.setClose(websocket.CloseInternalServerErr, closeReasonFor(err))
			return
		}
		if s.getState() == stateEnding {
			return
		}
	}
}

func (s *MediaSession) handleMessage(ctx context.Context, msg *TwilioMessage) error {
	switch s.getState() {
	case stateAwaitingStart:
		if msg.Event != EventStart {
			logger.Debug(s.ctx(), "Dropping message received before start", zap.String("event", msg.Event))
			return nil
		}
		s.setState(stateStarting)
		// the adapter learns the stream id before the agent can produce audio
		if err := s.adapter.HandleMessage(msg); err != nil {
			return err
		}
		if err := s.start(ctx, msg.Start); err != nil {
			return err
		}
		s.setState(stateActive)
		return nil

	case stateActive:
		return s.adapter.HandleMessage(msg)
	}
	return nil
}

// start resolves the call config and opens the agent session.
func (s *MediaSession) start(ctx context.Context, start *TwilioStart) error {
	callSID := start.CallSID()
	to := start.Destination()
	s.setLogCtx(logger.WithFields(s.ctx(), zap.String("call_sid", callSID)))
	logger.Info(s.ctx(), "Media stream started", zap.String("stream_sid", s.adapter.StreamSID()), zap.String("to", to))

	res, err := s.bridge.resolver.Lookup(ctx, callSID, to)
	if err != nil {
		if !errors.Is(err, domain.ErrConfigNotFound) || !s.bridge.resolver.FallbackToDefault() {
			return err
		}
		logger.Warn(s.ctx(), "No config for call, using default agent")
		res = s.bridge.resolver.DefaultResolution()
	}

	configSID := callSID
	if res.Source == call.MatchByDestination && res.Config.CallSID != "" {
		configSID = res.Config.CallSID
	}
	if callSID == "" {
		callSID = configSID
	}

	s.mu.Lock()
	s.callSID = callSID
	s.configSID = configSID
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.bridge.connectionTimeout)
	defer cancel()

	agent, err := s.bridge.factory.StartSession(startCtx, res.Config, AgentOutput{
		OnAudio: func(audio []byte) {
			if err := s.adapter.SendAudio(audio); err != nil && !s.stopping.Load() {
				logger.Warn(s.ctx(), "Failed to send agent audio to Twilio", zap.Error(err))
			}
		},
		OnInterruption: func() {
			if err := s.adapter.Interrupt(); err != nil && !s.stopping.Load() {
				logger.Warn(s.ctx(), "Failed to clear Twilio audio", zap.Error(err))
			}
		},
		OnAgentResponse: func(text string) {
			s.bridge.sink.OnAgentResponse(callSID, text)
		},
		OnUserTranscript: func(text string) {
			s.bridge.sink.OnUserTranscript(callSID, text)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to start agent session: %w", domain.ErrSessionError, err)
	}

	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()

	s.adapter.Bind(func(audio []byte) error {
		err := agent.SendAudio(audio)
		if err == nil || errors.Is(err, domain.ErrSessionError) {
			// a finished agent is handled by watchAgent, which picks the close code
			return nil
		}
		// a write can fail just before the agent's read loop notices the close
		timer := time.NewTimer(agentCloseGrace)
		defer timer.Stop()
		select {
		case <-agent.Done():
			return nil
		case <-timer.C:
			return err
		}
	}, func() {
		logger.Info(s.ctx(), "Twilio stopped the media stream")
		s.setState(stateEnding)
	})

	if callSID != "" {
		s.bridge.add(callSID, s)
		s.mu.Lock()
		s.registered = true
		s.mu.Unlock()

		if s.bridge.tracker != nil {
			if err := s.bridge.tracker.Register(ctx, session.SessionInfo{
				CallSID:      callSID,
				StreamSID:    s.adapter.StreamSID(),
				ConnectionID: s.id,
				AgentID:      res.Config.AgentID,
			}); err != nil {
				logger.Warn(s.ctx(), "Failed to register session", zap.Error(err))
			}
		}
	}

	go s.watchAgent(agent)

	logger.Info(s.ctx(), "Conversation started",
		zap.String("agent_id", res.Config.AgentID),
		zap.String("matched_by", string(res.Source)),
		zap.String("config_call_sid", configSID))
	return nil
}

// watchAgent closes the media stream when the agent ends the conversation on its own.
func (s *MediaSession) watchAgent(agent AgentSession) {
	err := agent.Wait(context.Background())
	if s.stopping.Load() || s.getState() == stateEnding {
		return
	}
	if err != nil {
		logger.Warn(s.ctx(), "Agent session failed", zap.Error(err))
		s.stop(websocket.CloseInternalServerErr, "agent session error")
		return
	}
	logger.Info(s.ctx(), "Agent ended the conversation")
	s.stop(websocket.CloseNormalClosure, "conversation ended")
}

func (s *MediaSession) handleReadError(err error) {
	if s.stopping.Load() {
		return
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Warn(s.ctx(), "Media stream frame too large", zap.Int64("limit", MaxMessageSize))
		s.setClose(websocket.CloseMessageTooBig, "message too big")
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info(s.ctx(), "Media stream closed by peer")
		return
	}
	logger.Warn(s.ctx(), "Media stream disconnected", zap.Error(fmt.Errorf("%w: %v", domain.ErrTransportError, err)))
}

// stop ends the session from outside the read loop.
func (s *MediaSession) stop(code int, reason string) {
	s.stopping.Store(true)
	s.setClose(code, reason)
	s.closeSocket()
}

// teardown ends the agent session, waits for it, releases the call config and closes the socket.
func (s *MediaSession) teardown() {
	s.setState(stateEnding)

	s.mu.Lock()
	agent := s.agent
	callSID := s.callSID
	configSID := s.configSID
	registered := s.registered
	s.mu.Unlock()

	if agent != nil {
		agent.End()
		waitCtx, cancel := context.WithTimeout(context.Background(), s.bridge.sessionEndTimeout)
		err := agent.Wait(waitCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn(s.ctx(), "Timed out waiting for agent session to end", zap.Duration("timeout", s.bridge.sessionEndTimeout))
		}
		s.bridge.sink.OnSessionEnded(callSID, err)
	}

	if configSID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if err := s.bridge.resolver.Forget(ctx, configSID); err != nil {
			logger.Warn(s.ctx(), "Failed to delete call config", zap.String("config_call_sid", configSID), zap.Error(err))
		} else {
			logger.Info(s.ctx(), "Deleted call config", zap.String("config_call_sid", configSID))
		}
		cancel()
	}

	if registered {
		s.bridge.remove(callSID, s)
		if s.bridge.tracker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := s.bridge.tracker.Unregister(ctx, callSID); err != nil {
				logger.Warn(s.ctx(), "Failed to unregister session", zap.Error(err))
			}
			cancel()
		}
	}

	s.closeSocket()
}

func (s *MediaSession) closeSocket() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		code, reason := s.closeCode, s.closeReason
		s.mu.Unlock()
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = s.adapter.Close(code, reason)
		logger.Info(s.ctx(), "Media stream closed", zap.Int("close_code", code))
	})
}

// setClose records the close code; the first caller wins.
func (s *MediaSession) setClose(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeReason = reason
	}
}

func (s *MediaSession) getState() sessionState {
	return sessionState(s.state.Load())
}

func (s *MediaSession) setState(state sessionState) {
	s.state.Store(int32(state))
}

func (s *MediaSession) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logCtx
}

func (s *MediaSession) setLogCtx(ctx context.Context) {
	s.mu.Lock()
	s.logCtx = ctx
	s.mu.Unlock()
}

func closeReasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrConfigNotFound):
		return "call config not found"
	case errors.Is(err, domain.ErrSessionError):
		return "agent session error"
	}
	return "internal error"
}
