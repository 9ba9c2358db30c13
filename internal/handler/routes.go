package handler

import (
	"net/http"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/bridge"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/twilio"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config    *config.CallBridgeConfig
	service   *call.CallService
	bridge    *bridge.Bridge
	validator *twilio.SignatureValidator

	twilioHandler      *TwilioHandler
	elevenLabsHandler  *ElevenLabsHandler
	mediaStreamHandler *MediaStreamHandler
}

// NewHandlerManager creates the HTTP handlers on top of the call service and media bridge
func NewHandlerManager(cfg *config.CallBridgeConfig, service *call.CallService, b *bridge.Bridge) *HandlerManager {
	hm := &HandlerManager{
		config:             cfg,
		service:            service,
		bridge:             b,
		twilioHandler:      NewTwilioHandler(cfg, service),
		elevenLabsHandler:  NewElevenLabsHandler(service),
		mediaStreamHandler: NewMediaStreamHandler(b),
	}
	if cfg.TwilioValidateRequest && cfg.TwilioAuthToken != "" {
		hm.validator = twilio.NewSignatureValidator(cfg.TwilioAuthToken)
	}
	return hm
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(RecoveryMiddleware)
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
		// Preflight requests only reach the middleware through a matching route
		router.Methods(http.MethodOptions).HandlerFunc(handleCORS)
	}
	router.Use(GlobalLoggingMiddleware)

	hm.SetupTwilioRoutes(router)
	hm.SetupElevenLabsRoutes(router)
	hm.SetupMediaStreamRoutes(router)
	hm.SetupHealthRoutes(router)

	logger.Base().Info("all application routes registered",
		zap.Bool("twilio_signature_validation", hm.validator != nil),
		zap.Bool("api_key_required", hm.config.SecretKey != ""))
}

// SetupTwilioRoutes registers the outbound call API and the Twilio webhooks.
// Each route is reachable with and without the /twilio prefix.
func (hm *HandlerManager) SetupTwilioRoutes(router *mux.Router) {
	outboundCall := APIKeyMiddleware(hm.config.SecretKey)(http.HandlerFunc(hm.twilioHandler.HandleOutboundCall))
	connectTwiML := TwilioSignatureMiddleware(hm.validator, hm.config.WebhookHost, false)(http.HandlerFunc(hm.twilioHandler.HandleOutboundTwiML))
	callStatus := TwilioSignatureMiddleware(hm.validator, hm.config.WebhookHost, true)(http.HandlerFunc(hm.twilioHandler.HandleCallStatus))

	twilioRouter := router.PathPrefix("/twilio").Subrouter()
	twilioRouter.Handle("/outbound_call", outboundCall).Methods(http.MethodPost)
	twilioRouter.Handle("/outbound_call_twiml", connectTwiML).Methods(http.MethodPost, http.MethodGet)
	twilioRouter.Handle("/call-status", callStatus).Methods(http.MethodPost)

	router.Handle("/outbound_call", outboundCall).Methods(http.MethodPost)
	router.Handle("/outbound_call_twiml", connectTwiML).Methods(http.MethodPost, http.MethodGet)

	logger.Base().Info("twilio routes registered")
}

// SetupElevenLabsRoutes registers the conversation initiation webhook
func (hm *HandlerManager) SetupElevenLabsRoutes(router *mux.Router) {
	handler := http.HandlerFunc(hm.elevenLabsHandler.HandleConversationConfig)
	router.Handle("/elevenlabs/conversation-config", handler).Methods(http.MethodPost)
	router.Handle("/conversation-config", handler).Methods(http.MethodPost)

	logger.Base().Info("elevenlabs routes registered")
}

// SetupMediaStreamRoutes registers the Twilio media stream websocket
func (hm *HandlerManager) SetupMediaStreamRoutes(router *mux.Router) {
	router.HandleFunc(config.MediaStreamPath, hm.mediaStreamHandler.HandleMediaStream).Methods(http.MethodGet)
	logger.Base().Info("media stream route registered", zap.String("url", hm.config.MediaStreamURL()))
}

// SetupHealthRoutes registers the root and health endpoints
func (hm *HandlerManager) SetupHealthRoutes(router *mux.Router) {
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Twilio-ElevenLabs Outbound Call Server"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "healthy",
			"instance_id":     hm.config.InstanceID,
			"store":           hm.config.StoreType,
			"active_sessions": hm.bridge.ActiveSessions(),
		})
	}).Methods(http.MethodGet)
}

// handleCORS answers preflight requests; the headers are set by CORSMiddleware
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
