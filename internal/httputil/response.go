// Package httputil provides the JSON envelope, client-IP extraction, and
// outbound HTTP client helpers shared by the relay server and chain client.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
)

var defaultLogger = logging.NewFromEnv("httputil")

// ErrorResponse is the wire shape of a failed request, matching
// ServiceError's code/message/details triple (spec §7).
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		defaultLogger.WithError(err).Warn("write json response")
	}
}

// WriteServiceError renders a *errors.ServiceError using its own HTTP status
// and code, so the relay's error envelope always matches spec §7's taxonomy.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *pkerrors.ServiceError
	if !errors.As(err, &svcErr) {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Code:    "INTERNAL",
			Message: "internal server error",
			TraceID: traceIDFrom(r),
		})
		return
	}
	WriteJSON(w, svcErr.HTTPStatus, ErrorResponse{
		Code:    string(svcErr.Code),
		Message: svcErr.Message,
		Details: svcErr.Details,
		TraceID: traceIDFrom(r),
	})
}

func traceIDFrom(r *http.Request) string {
	if r == nil {
		return ""
	}
	if traceID := logging.GetTraceID(r.Context()); traceID != "" {
		return traceID
	}
	return r.Header.Get("X-Trace-ID")
}

// DecodeJSON decodes a JSON request body into v, writing a BadRequest-shaped
// error response and returning false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteServiceError(w, r, pkerrors.InputValidation("body", "request body too large"))
			return false
		}
		WriteServiceError(w, r, pkerrors.InputValidation("body", "invalid request body"))
		return false
	}
	return true
}

// DecodeJSONOptional is DecodeJSON for handlers where an empty body is valid.
func DecodeJSONOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		WriteServiceError(w, r, pkerrors.InputValidation("body", "invalid request body"))
		return false
	}
	return true
}
