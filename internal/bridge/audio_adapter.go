package bridge

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const twilioWriteTimeout = 5 * time.Second

// TwilioAudioAdapter translates between Twilio media stream events and raw μ-law audio.
// Writes to the websocket are serialised, so agent callbacks may call it from any goroutine.
type TwilioAudioAdapter struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.RWMutex

	streamSID string
	input     func(audio []byte) error
	onStop    func()
}

// NewTwilioAudioAdapter creates an adapter writing to conn
func NewTwilioAudioAdapter(conn *websocket.Conn) *TwilioAudioAdapter {
	return &TwilioAudioAdapter{conn: conn}
}

// Bind sets where caller audio goes and what happens when Twilio stops the stream
func (a *TwilioAudioAdapter) Bind(input func(audio []byte) error, onStop func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input = input
	a.onStop = onStop
}

// StreamSID returns the stream id learned from the start event
func (a *TwilioAudioAdapter) StreamSID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.streamSID
}

// HandleMessage processes one inbound Twilio event
func (a *TwilioAudioAdapter) HandleMessage(msg *TwilioMessage) error {
	switch msg.Event {
	case EventStart:
		sid := msg.StreamSid
		if msg.Start != nil && msg.Start.StreamSid != "" {
			sid = msg.Start.StreamSid
		}
		a.mu.Lock()
		a.streamSID = sid
		a.mu.Unlock()

	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return nil
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			logger.Base().Warn("Dropping media event with invalid payload", zap.Error(err))
			return nil
		}
		a.mu.RLock()
		input := a.input
		a.mu.RUnlock()
		if input != nil {
			return input(audio)
		}

	case EventStop:
		a.mu.RLock()
		onStop := a.onStop
		a.mu.RUnlock()
		if onStop != nil {
			onStop()
		}

	case EventMark, EventConnected:
		// nothing to do

	default:
		logger.Base().Debug("Ignoring Twilio event", zap.String("event", msg.Event))
	}
	return nil
}

// SendAudio plays agent audio to the caller. Audio arriving before the stream id is known is dropped.
func (a *TwilioAudioAdapter) SendAudio(audio []byte) error {
	streamSID := a.StreamSID()
	if streamSID == "" || len(audio) == 0 {
		return nil
	}
	return a.writeJSON(outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSID,
		Media:     TwilioMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// Interrupt drops audio Twilio has queued, used when the caller talks over the agent
func (a *TwilioAudioAdapter) Interrupt() error {
	streamSID := a.StreamSID()
	if streamSID == "" {
		return nil
	}
	return a.writeJSON(outboundClear{Event: EventClear, StreamSid: streamSID})
}

// Close sends a close frame with code and closes the socket
func (a *TwilioAudioAdapter) Close(code int, reason string) error {
	a.writeMu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	return a.conn.Close()
}

func (a *TwilioAudioAdapter) writeJSON(payload interface{}) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(twilioWriteTimeout))
	return a.conn.WriteJSON(payload)
}
