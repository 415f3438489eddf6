package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// Sentinels for the broker core. Handlers translate these to statuses; the
// core never touches net/http.
var (
	ErrTokenNotFound     = errors.New("no token record for user")
	ErrReconnectRequired = errors.New("missing refresh_token; user must reconnect")

	ErrClientConfigMissing    = errors.New("missing GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET")
	ErrRedirectHostNotAllowed = errors.New("redirect_uri host is not allowed")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrExchangeFailed         = errors.New("token exchange failed")
	ErrRefreshFailed          = errors.New("token refresh failed")
)

// RateLimitError carries the retry hint for 429 responses.
type RateLimitError struct {
	RetryAfter int // seconds until the next window boundary
}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write json", zap.Error(err))
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func writeRateLimited(w http.ResponseWriter, rle *RateLimitError) {
	retry := rle.RetryAfter
	if retry < 0 {
		retry = 0
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
}

// writeTokenError maps access-token-manager failures to statuses. Shared by
// the token endpoint and every Workspace passthrough handler.
func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "TOKEN_NOT_FOUND", err.Error())
	case errors.Is(err, ErrReconnectRequired):
		writeError(w, http.StatusConflict, "RECONNECT_REQUIRED", err.Error())
	case errors.Is(err, ErrRefreshFailed):
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "authorization server rejected the refresh")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to obtain token")
	}
}
