package httpmw

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error the listener serves. The
// request id lets a sender's delivery log be matched to ours.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError serves status with an ErrorResponse. Error bodies are never
// cached.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, RequestID: RequestIDFromContext(r.Context())})
}
