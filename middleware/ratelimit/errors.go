package ratelimit

import (
	"encoding/json"
	"net/http"
)

// errorResponse é o corpo JSON das respostas de erro do middleware:
// {"error":{"code":..., "message":..., "details":{...}, "request_id":...}}
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: detail})
}
