package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/core/session"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConfigResolver finds and releases the config of a call
type ConfigResolver interface {
	Lookup(ctx context.Context, callSID, to string) (*call.Resolution, error)
	DefaultResolution() *call.Resolution
	FallbackToDefault() bool
	Forget(ctx context.Context, callSID string) error
}

// SessionTracker records active sessions outside the process
type SessionTracker interface {
	Register(ctx context.Context, info session.SessionInfo) error
	Unregister(ctx context.Context, callSID string) error
}

// Option configures a Bridge
type Option func(*Bridge)

func WithEventSink(sink EventSink) Option {
	return func(b *Bridge) {
		if sink != nil {
			b.sink = sink
		}
	}
}

func WithSessionTracker(tracker SessionTracker) Option {
	return func(b *Bridge) {
		b.tracker = tracker
	}
}

// WithSessionEndTimeout bounds how long teardown waits for the agent session to finish
func WithSessionEndTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.sessionEndTimeout = d
		}
	}
}

// WithConnectionTimeout bounds how long starting an agent session may take
func WithConnectionTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.connectionTimeout = d
		}
	}
}

// MaxMessageSize bounds a single Twilio media stream frame. Media frames carry 20 ms of
// audio and are far smaller.
const MaxMessageSize = 64 << 10

// Bridge runs media sessions and keeps track of the ones active on this instance
type Bridge struct {
	resolver ConfigResolver
	factory  AgentSessionFactory
	sink     EventSink
	tracker  SessionTracker

	sessionEndTimeout time.Duration
	connectionTimeout time.Duration

	sessions map[string]*MediaSession
	mutex    sync.RWMutex
}

func NewBridge(resolver ConfigResolver, factory AgentSessionFactory, opts ...Option) *Bridge {
	b := &Bridge{
		resolver:          resolver,
		factory:           factory,
		sink:              LogSink{},
		sessionEndTimeout: config.DefaultSessionEndTimeout,
		connectionTimeout: config.DefaultConnectionTimeout,
		sessions:          make(map[string]*MediaSession),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve runs a media session on an upgraded websocket until it ends
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn, connectionID string) {
	conn.SetReadLimit(MaxMessageSize)
	s := newMediaSession(b, conn, connectionID)
	s.Run(ctx)
}

// NotifyCleanup closes the local session of callSID. It lets the bridge act as the
// cleanup notifier when no cross-instance broadcast is configured.
func (b *Bridge) NotifyCleanup(ctx context.Context, callSID string) error {
	b.CloseSession(callSID)
	return nil
}

// CloseSession stops the local session of callSID and reports whether there was one
func (b *Bridge) CloseSession(callSID string) bool {
	b.mutex.RLock()
	s, ok := b.sessions[callSID]
	b.mutex.RUnlock()
	if !ok {
		return false
	}
	logger.Base().Info("Closing media session on cleanup request", zap.String("call_sid", callSID))
	s.stop(websocket.CloseNormalClosure, "call ended")
	return true
}

// ActiveSessions returns the number of media sessions with a running agent
func (b *Bridge) ActiveSessions() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.sessions)
}

// CloseAll stops every local session, used at shutdown
func (b *Bridge) CloseAll() {
	b.mutex.RLock()
	sessions := make([]*MediaSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mutex.RUnlock()

	for _, s := range sessions {
		s.stop(websocket.CloseGoingAway, "server shutting down")
	}
}

func (b *Bridge) add(callSID string, s *MediaSession) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if existing, ok := b.sessions[callSID]; ok && existing != s {
		logger.Base().Warn("Replacing media session registered for the same call", zap.String("call_sid", callSID))
	}
	b.sessions[callSID] = s
}

func (b *Bridge) remove(callSID string, s *MediaSession) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if existing, ok := b.sessions[callSID]; ok && existing == s {
		delete(b.sessions, callSID)
	}
}
