package api

import (
	"encoding/json"
	"net/http"
)

// Problem is the body of every error response.
type Problem struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrCodeSyncFailed marks a run that started but failed. Its body also
// carries the partial telemetry.
const ErrCodeSyncFailed = "sync_failed"

// problemCodes maps response statuses to machine-readable codes.
var problemCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorised",
	http.StatusForbidden:           "forbidden",
	http.StatusConflict:            "conflict",
	http.StatusTooManyRequests:     "rate_limited",
	http.StatusInternalServerError: "internal_error",
	http.StatusServiceUnavailable:  "service_degraded",
}

// writeJSON encodes v as the response body. A nil v sends headers only.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // The client may already be gone
	json.NewEncoder(w).Encode(v)
}

// writeProblem sends a Problem for status with message.
func writeProblem(w http.ResponseWriter, status int, message string) {
	code, ok := problemCodes[status]
	if !ok {
		code = "error"
	}
	writeJSON(w, status, Problem{Status: status, Code: code, Message: message})
}
