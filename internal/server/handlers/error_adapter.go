package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
)

// HTTPErrorResponder converts a handler error into an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.Write(w, http.StatusInternalServerError, apperrors.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder overrides how handler errors are rendered.
// Passing nil restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		responder = defaultHTTPErrorResponder
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
