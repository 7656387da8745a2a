// Package apperr is the HTTP-facing error type shared by the auth API, the
// BFF and the hubs. Domain packages return sentinel errors; handlers map
// them to an *Error at the boundary and render it with Write.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error carries an HTTP status, a stable machine code and user-facing messages.
type Error struct {
	Status   int
	Code     string
	Message  string
	Messages []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// New builds an Error.
func New(status int, code, message string, details ...string) *Error {
	return &Error{Status: status, Code: code, Message: message, Messages: details}
}

func BadRequest(message string, details ...string) *Error {
	return New(http.StatusBadRequest, "invalid_request", message, details...)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, "unauthorized", message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, "forbidden", message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, "not_found", message)
}

func Conflict(message string) *Error {
	return New(http.StatusConflict, "conflict", message)
}

func TooManyRequests(message string) *Error {
	return New(http.StatusTooManyRequests, "rate_limited", message)
}

// Internal hides cause from clients; it is kept for logging.
func Internal(cause error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: "internal_error", Message: "internal error", Err: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

type body struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Messages []string `json:"messages,omitempty"`
}

type envelope struct {
	Error body `json:"error"`
}

// WriteJSON writes v with the no-store headers every auth response carries.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write renders err as {"error":{...}}. Errors that are not *Error become 500.
func Write(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = Internal(err)
	}
	if e.Status == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="avancira"`)
	}
	WriteJSON(w, e.Status, envelope{Error: body{Code: e.Code, Message: e.Message, Messages: e.Messages}})
}
