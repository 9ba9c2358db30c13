package elevenlabs

import "encoding/json"

// Event types sent by the ConvAI server
const (
	EventConversationInitiationMetadata = "conversation_initiation_metadata"
	EventAudio                          = "audio"
	EventAgentResponse                  = "agent_response"
	EventAgentResponseCorrection        = "agent_response_correction"
	EventUserTranscript                 = "user_transcript"
	EventInterruption                   = "interruption"
	EventPing                           = "ping"
)

// Client message types
const (
	MessageConversationInitiation = "conversation_initiation_client_data"
	MessagePong                   = "pong"
)

// AudioFormatULaw8000 is the only agent audio format the Twilio bridge can relay untouched
const AudioFormatULaw8000 = "ulaw_8000"

// InitiationData is the first message of every conversation
type InitiationData struct {
	Type             string                 `json:"type"`
	DynamicVariables map[string]interface{} `json:"dynamic_variables"`
}

// NewInitiationData builds the initiation message; nil variables are sent as an empty object
func NewInitiationData(vars map[string]interface{}) InitiationData {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return InitiationData{Type: MessageConversationInitiation, DynamicVariables: vars}
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// serverEvent is the envelope of every server message. Only the field matching Type is set.
type serverEvent struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AgentResponseCorrection *struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	Interruption *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}

func decodeServerEvent(data []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
