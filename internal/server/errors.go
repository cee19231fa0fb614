package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/roach88/factsync/internal/txlog"
)

// Error codes that do not come from a txlog kind.
const (
	codeBadRequest  = "bad_request"
	codeRateLimited = "rate_limited"
	codeInternal    = "internal"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// CodeForKind is the error code the service uses for a txlog kind.
func CodeForKind(k txlog.Kind) string {
	return strings.ToLower(string(k))
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Code: code, Message: message},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// writeLogError maps a log error to a status and writes it.
//
//	BadRemoteState     404 on reads, 409 on writes
//	DuplicateMetadata  409
//	Serialization      400
//	NotYetImplemented  501
//	anything else      500
func writeLogError(w http.ResponseWriter, r *http.Request, err error) {
	kind := txlog.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case txlog.KindBadRemoteState:
		status = http.StatusConflict
		if r.Method == http.MethodGet {
			status = http.StatusNotFound
		}
	case txlog.KindDuplicateMetadata:
		status = http.StatusConflict
	case txlog.KindSerialization:
		status = http.StatusBadRequest
	case txlog.KindNotYetImplemented:
		status = http.StatusNotImplemented
	}

	if status == http.StatusInternalServerError {
		logFor(r.Context()).Error("log operation failed", "err", err, "path", r.URL.Path)
		writeError(w, status, codeInternal, "internal server error")
		return
	}

	msg := err.Error()
	var e *txlog.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeError(w, status, CodeForKind(kind), msg)
}
