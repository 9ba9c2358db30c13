package elevenlabs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Session is one live agent conversation
type Session struct {
	conn      *websocket.Conn
	agentID   string
	callbacks Callbacks

	writeMu sync.Mutex
	metaMu  sync.Mutex

	conversationID  string
	lastInterruptID int64

	ending  atomic.Bool
	closed  atomic.Bool
	endOnce sync.Once
	done    chan struct{}
	err     error
}

func newSession(conn *websocket.Conn, agentID string, callbacks Callbacks) *Session {
	return &Session{
		conn:      conn,
		agentID:   agentID,
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// ConversationID returns the id ElevenLabs assigned once initiation metadata arrived
func (s *Session) ConversationID() string {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.conversationID
}

// SendAudio forwards caller audio (μ-law 8 kHz) to the agent. Once the conversation is
// over it returns an error wrapping domain.ErrSessionError; other errors are write failures
// on a conversation that is still open.
func (s *Session) SendAudio(audio []byte) error {
	if s.finished() {
		return fmt.Errorf("%w: session closed", domain.ErrSessionError)
	}
	err := s.writeJSON(context.Background(), userAudioChunk{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil && s.finished() {
		return fmt.Errorf("%w: session closed: %v", domain.ErrSessionError, err)
	}
	return err
}

// finished reports whether End was called or the read loop has stopped
func (s *Session) finished() bool {
	return s.ending.Load() || s.closed.Load()
}

// End closes the conversation. It is safe to call more than once.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.ending.Store(true)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		_ = s.conn.Close()
		logger.Base().Info("ElevenLabs conversation ended", zap.String("agent_id", s.agentID), zap.String("conversation_id", s.ConversationID()))
	})
}

// Done is closed once the read loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session has fully shut down or ctx expires.
// It returns the error that terminated the session, if any.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = s.terminalError(err)
			if s.err != nil {
				logger.Base().Warn("ElevenLabs conversation closed unexpectedly", zap.String("agent_id", s.agentID), zap.Error(err))
			}
			// writers racing the close must see the session as finished
			s.closed.Store(true)
			_ = s.conn.Close()
			return
		}

		ev, err := decodeServerEvent(data)
		if err != nil {
			logger.Base().Warn("Dropping undecodable ElevenLabs event", zap.Error(err))
			continue
		}
		s.handleEvent(ev)
	}
}

// terminalError classifies a read failure; a locally requested or normal close is not an error.
func (s *Session) terminalError(err error) error {
	if s.ending.Load() {
		return nil
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrSessionError, err)
}

func (s *Session) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case EventConversationInitiationMetadata:
		if ev.InitiationMetadata == nil {
			return
		}
		s.metaMu.Lock()
		s.conversationID = ev.InitiationMetadata.ConversationID
		s.metaMu.Unlock()
		if f := ev.InitiationMetadata.AgentOutputAudioFormat; f != "" && f != AudioFormatULaw8000 {
			logger.Base().Warn("Agent output audio format is not ulaw_8000, callers will hear noise",
				zap.String("agent_id", s.agentID), zap.String("format", f))
		}
		logger.Base().Info("ElevenLabs conversation initiated", zap.String("agent_id", s.agentID), zap.String("conversation_id", ev.InitiationMetadata.ConversationID))

	case EventAudio:
		if ev.Audio == nil || s.callbacks.OnAudio == nil {
			return
		}
		s.metaMu.Lock()
		stale := ev.Audio.EventID != 0 && ev.Audio.EventID <= s.lastInterruptID
		s.metaMu.Unlock()
		if stale {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(ev.Audio.AudioBase64)
		if err != nil {
			logger.Base().Warn("Dropping agent audio with invalid base64", zap.Error(err))
			return
		}
		s.callbacks.OnAudio(audio)

	case EventInterruption:
		if ev.Interruption != nil {
			s.metaMu.Lock()
			s.lastInterruptID = ev.Interruption.EventID
			s.metaMu.Unlock()
		}
		if s.callbacks.OnInterruption != nil {
			s.callbacks.OnInterruption()
		}

	case EventAgentResponse:
		if ev.AgentResponse != nil && s.callbacks.OnAgentResponse != nil {
			s.callbacks.OnAgentResponse(ev.AgentResponse.AgentResponse)
		}

	case EventAgentResponseCorrection:
		if ev.AgentResponseCorrection != nil && s.callbacks.OnAgentResponseCorrection != nil {
			s.callbacks.OnAgentResponseCorrection(ev.AgentResponseCorrection.OriginalAgentResponse, ev.AgentResponseCorrection.CorrectedAgentResponse)
		}

	case EventUserTranscript:
		if ev.UserTranscription != nil && s.callbacks.OnUserTranscript != nil {
			s.callbacks.OnUserTranscript(ev.UserTranscription.UserTranscript)
		}

	case EventPing:
		if ev.Ping == nil {
			return
		}
		if err := s.writeJSON(context.Background(), pongMessage{Type: MessagePong, EventID: ev.Ping.EventID}); err != nil {
			logger.Base().Warn("Failed to answer ElevenLabs ping", zap.Error(err))
		}

	default:
		logger.Base().Debug("Ignoring ElevenLabs event", zap.String("type", ev.Type))
	}
}

func (s *Session) writeJSON(ctx context.Context, payload interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return s.conn.WriteJSON(payload)
}
