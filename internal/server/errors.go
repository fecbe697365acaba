package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeJSON writes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// internalError logs the real cause and surfaces a generic message.
func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("internal error", zap.String("op", op), zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "internal", "An internal error occurred")
}
