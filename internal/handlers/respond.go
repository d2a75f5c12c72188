package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/maneesh/pdfshelf/internal/library"
	"github.com/maneesh/pdfshelf/internal/pin"
	"github.com/maneesh/pdfshelf/internal/shell"
	"github.com/maneesh/pdfshelf/internal/storage"
	"github.com/maneesh/pdfshelf/internal/viewer"
	"github.com/pkg/errors"
)

// requestError is malformed client input.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, shell.ErrBookNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, shell.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, new(*requestError)),
		errors.Is(err, library.ErrNotPDF):
		return http.StatusBadRequest
	case errors.Is(err, pin.ErrWrongPIN):
		return http.StatusUnauthorized
	case errors.Is(err, shell.ErrTooManyViewers),
		errors.Is(err, storage.ErrObjectExists),
		errors.Is(err, viewer.ErrNotReady):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}
