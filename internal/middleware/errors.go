package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error the gateway returns.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError writes a JSON error body tagged with the request id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
