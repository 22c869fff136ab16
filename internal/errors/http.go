// Package errors defines the JSON error envelope shared by every HTTP
// surface of the service.
package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the inner error object of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the wire envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Write serializes the envelope with the given status code.
func Write(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}

// NotFound writes the standard 404 envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, http.StatusNotFound, ErrorBody{
		Code:    "NOT_FOUND",
		Message: "resource not found: " + r.URL.Path,
	})
}

// MethodNotAllowed writes the standard 405 envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Write(w, http.StatusMethodNotAllowed, ErrorBody{
		Code:    "METHOD_NOT_ALLOWED",
		Message: "method " + r.Method + " not allowed for " + r.URL.Path,
	})
}

// ServiceUnavailable writes the standard 503 envelope with probe detail.
func ServiceUnavailable(w http.ResponseWriter, message string, details map[string]any) {
	Write(w, http.StatusServiceUnavailable, ErrorBody{
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
		Details: details,
	})
}
