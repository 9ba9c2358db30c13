package bridge

import "fmt"

// Twilio Media Streams event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// TwilioMessage is a message received on the media stream websocket
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
}

// TwilioStart is the payload of the start event
type TwilioStart struct {
	AccountSid       string                 `json:"accountSid"`
	CallSid          string                 `json:"callSid"`
	StreamSid        string                 `json:"streamSid"`
	Tracks           []string               `json:"tracks"`
	To               string                 `json:"to,omitempty"`
	CustomParameters map[string]interface{} `json:"customParameters,omitempty"`
	MediaFormat      *TwilioMediaFormat     `json:"mediaFormat,omitempty"`
}

// TwilioMediaFormat describes the stream encoding, audio/x-mulaw at 8000 Hz for phone calls
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioMedia carries one base64 audio chunk
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type TwilioMark struct {
	Name string `json:"name"`
}

// outboundMedia sends agent audio to the caller
type outboundMedia struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Media     TwilioMedia `json:"media"`
}

// outboundClear discards audio Twilio has buffered but not yet played
type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// CallSID returns the call SID of a start event
func (s *TwilioStart) CallSID() string {
	if s == nil {
		return ""
	}
	if s.CallSid != "" {
		return s.CallSid
	}
	return s.customParameter("callSid")
}

// Destination returns the dialed number carried by a start event, if any
func (s *TwilioStart) Destination() string {
	if s == nil {
		return ""
	}
	if s.To != "" {
		return s.To
	}
	return s.customParameter("to")
}

func (s *TwilioStart) customParameter(name string) string {
	v, ok := s.CustomParameters[name]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
