// Package middleware carries the HTTP middleware shared by the service
// endpoints: request IDs and panic recovery with the standard error
// envelope.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
)

// ErrorResponse is the JSON envelope written by the recovery middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

const requestIDHeader = "X-Request-ID"

// RequestID ensures every request carries an id, generating one when the
// client did not send one. The id is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Recovery converts handler panics into a 500 envelope instead of
// tearing down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				apperrors.Write(w, http.StatusInternalServerError, apperrors.ErrorBody{
					Code:      "INTERNAL_ERROR",
					Message:   fmt.Sprintf("panic: %v", rec),
					RequestID: r.Header.Get(requestIDHeader),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for callers that name the
// concern rather than the mechanism.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}
