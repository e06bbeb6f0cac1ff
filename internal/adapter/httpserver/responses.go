// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// projects, image upload, the segmentation queue, exports and shares.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/segforge/segcore/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrTransient):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInterrupted):
		code = http.StatusServiceUnavailable
	}
	codeStr, _ := domain.Classify(err)
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: string(codeStr), Message: err.Error(), Details: details}})
}
