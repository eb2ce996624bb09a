package pbmigrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors returned for common HTTP statuses.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrRateLimited   = errors.New("rate limited")
	ErrServer        = errors.New("server error")
	ErrSessionClosed = errors.New("session closed")
	ErrNilSession    = errors.New("session is nil")
)

// HTTPError captures the status and response message for non-2xx responses.
type HTTPError struct {
	Status  int
	Message string
	kind    error
}

func (e *HTTPError) Error() string {
	prefix := fmt.Sprintf("http error: status %d", e.Status)
	if e.kind != nil {
		prefix += " (" + e.kind.Error() + ")"
	}
	if e.Message == "" {
		return prefix
	}
	return prefix + ": " + e.Message
}

// Unwrap exposes the sentinel matching the status, if any.
func (e *HTTPError) Unwrap() error { return e.kind }

// mapHTTPError converts a PocketBase error response into an *HTTPError.
// It returns nil for 2xx statuses.
func mapHTTPError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	message, hasFieldErrors := errorMessage(body)
	kind := classifyHTTPError(status)
	if hasFieldErrors && status == http.StatusBadRequest {
		kind = ErrValidation
	}
	return &HTTPError{Status: status, Message: message, kind: kind}
}

func classifyHTTPError(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if status >= 500 {
		return ErrServer
	}
	return nil
}

// errorMessage extracts a readable message from a PocketBase error body.
// Field errors under "data" win over the generic message.
func errorMessage(body []byte) (string, bool) {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return "", false
	}

	var payload struct {
		Message string `json:"message"`
		Data    map[string]struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return raw, false
	}

	if len(payload.Data) > 0 {
		fields := make([]string, 0, len(payload.Data))
		for field := range payload.Data {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			parts = append(parts, field+": "+payload.Data[field].Message)
		}
		return strings.Join(parts, "; "), true
	}

	if payload.Message != "" {
		return payload.Message, false
	}
	return raw, false
}
