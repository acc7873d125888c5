// Package httputil holds the JSON request and response helpers shared by the daemon's handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/neboloop/vox/internal/logging"
)

const bodyLimit = 1 << 20

// Problem is the body of every non-2xx response.
type Problem struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Decode fills v from the JSON request body, read up to 1 MiB.
func Decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, bodyLimit)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return errors.New("request body is empty")
	default:
		return fmt.Errorf("invalid JSON body: %w", err)
	}
}

// PathVar reads a chi route parameter.
func PathVar(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugf("write response: %v", err)
	}
}

func OkJSON(w http.ResponseWriter, v any) { WriteJSON(w, http.StatusOK, v) }

func ErrorWithCode(w http.ResponseWriter, code int, message string) {
	if message == "" {
		message = http.StatusText(code)
	}
	WriteJSON(w, code, Problem{Code: code, Message: message})
}

// Error answers 400 with err's text.
func Error(w http.ResponseWriter, err error) {
	ErrorWithCode(w, http.StatusBadRequest, err.Error())
}

func NotFound(w http.ResponseWriter, message string) {
	ErrorWithCode(w, http.StatusNotFound, message)
}

func InternalError(w http.ResponseWriter, message string) {
	ErrorWithCode(w, http.StatusInternalServerError, message)
}
