package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/elevenlabs"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"go.uber.org/zap"
)

// ConversationConfigResponse is returned to the ElevenLabs conversation initiation webhook
type ConversationConfigResponse struct {
	Type             string                 `json:"type"`
	AgentID          string                 `json:"agent_id"`
	DynamicVariables map[string]interface{} `json:"dynamic_variables"`
}

// ElevenLabsHandler serves the conversation initiation webhook
type ElevenLabsHandler struct {
	service *call.CallService
}

func NewElevenLabsHandler(service *call.CallService) *ElevenLabsHandler {
	return &ElevenLabsHandler{service: service}
}

// HandleConversationConfig handles POST /elevenlabs/conversation-config.
// It always answers 200, with the default agent when nothing better is known.
func (h *ElevenLabsHandler) HandleConversationConfig(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Base().Error("Error getting conversation config", zap.Any("panic", rec))
			writeJSON(w, http.StatusOK, toConversationConfig(h.service.DefaultResolution()))
		}
	}()

	var body map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		logger.Base().Warn("Invalid conversation config request, using default agent", zap.Error(err))
		writeJSON(w, http.StatusOK, toConversationConfig(h.service.DefaultResolution()))
		return
	}

	callSID := firstString(body, "call_sid", "callSid", "CallSid")
	caller := firstString(body, "from", "caller", "caller_id")
	called := firstString(body, "to", "called", "called_number")

	logger.Base().Info("Conversation config requested",
		zap.String("call_sid", callSID),
		zap.String("from", caller),
		zap.String("to", called))

	res := h.service.Resolve(r.Context(), callSID, called)
	logger.Base().Info("Conversation config resolved",
		zap.String("call_sid", callSID),
		zap.String("agent_id", res.Config.AgentID),
		zap.String("matched_by", string(res.Source)))

	writeJSON(w, http.StatusOK, toConversationConfig(res))
}

func toConversationConfig(res *call.Resolution) ConversationConfigResponse {
	vars := res.Config.DynamicVariables
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return ConversationConfigResponse{
		Type:             elevenlabs.MessageConversationInitiation,
		AgentID:          res.Config.AgentID,
		DynamicVariables: vars,
	}
}
