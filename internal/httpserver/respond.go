package httpserver

import (
	"encoding/json"
	"net/http"
)

// Respond writes v as a JSON response with the given status code. A nil v
// writes an empty body (used for 204 responses).
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the JSON envelope written by RespondError.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError writes a JSON error envelope with the given status, a short
// machine-readable code, and a human-readable message.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// ConflictResponse is the JSON envelope for an optimistic-concurrency
// conflict: the caller's expected version versus what is actually stored.
type ConflictResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// RespondConflict writes a 409 with the expected/actual version pair.
func RespondConflict(w http.ResponseWriter, expected, actual int64) {
	Respond(w, http.StatusConflict, ConflictResponse{
		Error:    "conflict",
		Message:  "version mismatch",
		Expected: expected,
		Actual:   actual,
	})
}
