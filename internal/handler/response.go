package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"admin-auth-service/internal/model"
	"admin-auth-service/internal/util"
)

// AuthResponse is the single response shape for every /api/auth endpoint.
type AuthResponse struct {
	Success       bool                     `json:"success"`
	Message       string                   `json:"message,omitempty"`
	Authenticated *bool                    `json:"authenticated,omitempty"`
	SessionID     string                   `json:"sessionId,omitempty"`
	Expires       *time.Time               `json:"expires,omitempty"`
	User          *model.AuthenticatedUser `json:"user,omitempty"`
}

func successResponse(message string) AuthResponse {
	return AuthResponse{Success: true, Message: message}
}

func errorResponse(message string) AuthResponse {
	return AuthResponse{Success: false, Message: message}
}

func boolPtr(b bool) *bool { return &b }

// respondWithJSON sends a JSON response
func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError logs err and sends message, which is all the client ever sees.
func respondWithError(logger *zap.Logger, w http.ResponseWriter, statusCode int, err error, message string) {
	fields := []zap.Field{
		util.Int("status_code", statusCode),
		util.String("message", message),
	}
	if err != nil {
		fields = append(fields, util.ErrorField(err))
	}
	if statusCode >= http.StatusInternalServerError {
		logger.Error("HTTP error response", fields...)
	} else {
		logger.Warn("HTTP error response", fields...)
	}
	respondWithJSON(logger, w, statusCode, errorResponse(message))
}
