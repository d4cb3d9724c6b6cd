package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

var (
	// ErrInvalidTarget is returned for a missing, malformed or non-http(s) URL.
	ErrInvalidTarget = errors.New("invalid target url")
	// ErrUpstreamUnavailable covers timeouts, DNS failures and resets talking to the target.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrManifestTooLarge is returned when a playlist exceeds MAX_MANIFEST_BYTES.
	ErrManifestTooLarge = errors.New("manifest too large")
)

// UpstreamError wraps a transport failure for a specific upstream URL.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrManifestTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes a JSON error body and logs it.
func sendError(w http.ResponseWriter, logger *Logger, statusCode int, message string, details interface{}) {
	if statusCode >= http.StatusInternalServerError {
		logger.Warn(message, zap.Int("status", statusCode), zap.Any("details", details))
	} else {
		logger.Debug(message, zap.Int("status", statusCode), zap.Any("details", details))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   message,
		"details": details,
	})
}

// sendErr derives the status and message from err.
func sendErr(w http.ResponseWriter, logger *Logger, message string, err error) {
	sendError(w, logger, statusFor(err), message, err.Error())
}
