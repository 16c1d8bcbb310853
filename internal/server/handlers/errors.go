// Package handlers implements the routes of the status server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/gomobility/internal/server/middleware"
)

// HTTPError is an error with an HTTP status and a stable code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *HTTPError) Error() string {
	return e.Code + ": " + e.Message
}

// NotFound returns a 404 HTTPError.
func NotFound(message string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: message, Details: details}
}

// BadRequest returns a 400 HTTPError.
func BadRequest(message string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
}

// ServiceUnavailable returns a 503 HTTPError.
func ServiceUnavailable(message string, details map[string]any) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE", Message: message, Details: details}
}

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error responder. Nil restores the
// default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	var he *HTTPError
	if !errors.As(err, &he) {
		he = &HTTPError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: err.Error()}
	}
	middleware.WriteErrorResponse(w, middleware.ErrorBody{
		Code:      he.Code,
		Message:   he.Message,
		Details:   he.Details,
		RequestID: middleware.GetRequestID(r.Context()),
	}, he.Status)
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, NotFound("route not found", map[string]any{"path": r.URL.Path}))
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, &HTTPError{
		Status:  http.StatusMethodNotAllowed,
		Code:    "METHOD_NOT_ALLOWED",
		Message: "method " + r.Method + " not allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
