// Package api implements the client-facing HTTP surface: the validate
// endpoint the tunnel client calls, server discovery, health, and the
// loopback-guarded operational routes. It uses Chi as the router; client
// routes live under /api/v1.
package api

import (
	"encoding/json"
	"net/http"
)

// Wire error codes produced by this layer. Credential codes come from the
// credential package and share the same namespace.
const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeRateLimited    = "RATE_LIMITED"
	codeInternal       = "INTERNAL_ERROR"
)

// envelope is the response wrapper the tunnel client understands.
//
// Success:  {"ok": true, "data": <payload>}
// Error:    {"ok": false, "error": {"code": "...", "message": "..."}}
type envelope map[string]any

// errorBody is the shape of the "error" object in error responses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in the envelope.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"ok": true, "data": payload})
}

// errJSON writes an error envelope with the given status and wire code.
func errJSON(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, envelope{
		"ok":    false,
		"error": errorBody{Code: code, Message: message},
	})
}

// ErrInvalidRequest writes a 400 with the INVALID_REQUEST code.
func ErrInvalidRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, codeInvalidRequest, message)
}

// ErrRateLimited writes a 429. The message is fixed; limiter internals are
// never exposed.
func ErrRateLimited(w http.ResponseWriter) {
	errJSON(w, http.StatusTooManyRequests, codeRateLimited, "Too many requests")
}

// ErrInternal writes a 500. The internal error detail is intentionally not
// exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, codeInternal, "Internal server error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// INVALID_REQUEST response if decoding fails, so callers can early-return.
// The decode error itself is never echoed back: it can quote fragments of
// the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrInvalidRequest(w, "invalid request body")
		return false
	}
	return true
}
