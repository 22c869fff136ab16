package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/sparkfleet/internal/errors"
)

func TestDefaultResponder_WritesEnvelope(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()
	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodGet, "/clusters/17", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()

	respondWithError(rec, req, errors.New("describe cluster j-1: throttled"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INTERNAL_ERROR", body.Error.Code)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Contains(t, body.Error.Message, "throttled")
}

func TestSetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, assert.AnError, captured)

	// nil restores the default envelope responder.
	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResetHTTPErrorResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
