package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Stable error codes surfaced to API clients.
const (
	codeAuthInvalidToken = "AUTH_INVALID_TOKEN"
	codeFileNotFound     = "FILE_NOT_FOUND"
	codeFileConflict     = "FILE_CONFLICT"
	codeQuotaExceeded    = "FILE_QUOTA_EXCEEDED"
	codeRequestInvalid   = "REQUEST_INVALID"
	codeUpstreamFailure  = "UPSTREAM_FAILURE"
	codeInternalError    = "SYSTEM_INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
