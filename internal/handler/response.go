package handler

import (
	"encoding/json"
	"net/http"

	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/logger"
	"go.uber.org/zap"
)

// writeJSON writes payload with the given status
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Base().Error("Failed to write response", zap.Error(err))
	}
}

// writeError writes {"error": message}
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
