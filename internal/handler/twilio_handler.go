package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// TwilioHandler serves the outbound call API and the Twilio webhooks
type TwilioHandler struct {
	config  *config.CallBridgeConfig
	service *call.CallService
}

func NewTwilioHandler(cfg *config.CallBridgeConfig, service *call.CallService) *TwilioHandler {
	return &TwilioHandler{config: cfg, service: service}
}

// HandleOutboundCall handles POST /twilio/outbound_call
func (h *TwilioHandler) HandleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req call.OutboundCallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		logger.Base().Warn("Invalid outbound call request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.Initiate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingParameter):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, domain.ErrProviderError):
			logger.Base().Error("Error initiating outbound call", zap.String("to", req.To), zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			logger.Base().Error("Error initiating outbound call", zap.String("to", req.To), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// callIdentifiers are the identifiers Twilio sends with call webhooks
type callIdentifiers struct {
	CallSID string
	From    string
	To      string
}

// parseCallIdentifiers reads CallSid, From and To from the query string and a form body,
// or from a JSON body for any other content type. Parsing problems are logged and
// yield empty identifiers.
func parseCallIdentifiers(r *http.Request) callIdentifiers {
	if err := r.ParseForm(); err != nil {
		logger.Base().Warn("Failed to parse call webhook form", zap.Error(err))
	}
	formIDs := callIdentifiers{
		CallSID: r.Form.Get("CallSid"),
		From:    r.Form.Get("From"),
		To:      r.Form.Get("To"),
	}

	contentType := r.Header.Get("Content-Type")
	if r.Method == http.MethodGet || strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return formIDs
	}

	var body map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Base().Warn("Failed to parse call webhook body", zap.String("content_type", contentType), zap.Error(err))
		}
		return formIDs
	}

	ids := callIdentifiers{
		CallSID: firstString(body, "CallSid", "call_sid", "callSid"),
		From:    firstString(body, "From", "from"),
		To:      firstString(body, "To", "to"),
	}
	if ids.CallSID == "" {
		ids.CallSID = formIDs.CallSID
	}
	if ids.From == "" {
		ids.From = formIDs.From
	}
	if ids.To == "" {
		ids.To = formIDs.To
	}
	return ids
}

// HandleOutboundTwiML handles /twilio/outbound_call_twiml. It always answers with
// the stream instruction so the call connects even when the request cannot be parsed.
func (h *TwilioHandler) HandleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	ids := parseCallIdentifiers(r)
	logger.Base().Info("Outbound call connected",
		zap.String("call_sid", ids.CallSID),
		zap.String("from", ids.From),
		zap.String("to", ids.To))

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.buildStreamTwiML(ids)))
}

func (h *TwilioHandler) buildStreamTwiML(ids callIdentifiers) string {
	var params []twiml.Element
	for _, p := range []struct{ name, value string }{
		{"callSid", ids.CallSID},
		{"from", ids.From},
		{"to", ids.To},
	} {
		if p.value != "" {
			params = append(params, twiml.VoiceParameter{Name: p.name, Value: p.value})
		}
	}

	stream := twiml.VoiceStream{
		Url:           h.config.MediaStreamURL(),
		InnerElements: params,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		logger.Base().Error("Failed to render TwiML, using bare stream instruction", zap.Error(err))
		return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s"/></Connect></Response>`, h.config.MediaStreamURL())
	}
	return doc
}

// HandleCallStatus handles POST /twilio/call-status
func (h *TwilioHandler) HandleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		logger.Base().Warn("Failed to parse call status callback", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if err := h.service.HandleStatus(r.Context(), callSID, status); err != nil {
		logger.Base().Warn("Failed to handle call status", zap.String("call_sid", callSID), zap.String("status", status), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// firstString returns the first non-empty string value among keys
func firstString(body map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
