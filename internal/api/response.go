package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps every JSON body the agent returns; the CRM frontend
// switches on the presence of "error" rather than on bare status codes.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeEnvelope marshals before touching the ResponseWriter so an encoding
// failure can still produce a clean 500 instead of a truncated body.
func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		slog.Error("encoding response envelope", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("writing response body", "error", err)
	}
}

// writeJSON sends data wrapped in the response envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError sends an error message in the response envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}
