package handler

import (
	"net/http"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/bridge"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MediaStreamHandler upgrades Twilio media stream connections and hands them to the bridge
type MediaStreamHandler struct {
	bridge   *bridge.Bridge
	upgrader websocket.Upgrader
}

func NewMediaStreamHandler(b *bridge.Bridge) *MediaStreamHandler {
	return &MediaStreamHandler{
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleMediaStream handles GET /media-stream
func (h *MediaStreamHandler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("Failed to upgrade media stream", zap.Error(err))
		return
	}

	connectionID := uuid.New().String()
	h.bridge.Serve(r.Context(), conn, connectionID)
}
