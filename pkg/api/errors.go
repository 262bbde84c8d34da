package api

import (
	"encoding/json"
	"net/http"

	"github.com/arklabs/ark/pkg/log"
)

// errorBody is the wire form of a failed request, mirrored by the closing
// frame of the WebSocket streams.
type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Recoverable   bool   `json:"recoverable"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message, cid string, recoverable bool) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:          code,
		Message:       message,
		CorrelationID: cid,
		Recoverable:   recoverable,
	}})
}

// decodeJSON reads a bounded request body into v. On failure it writes the
// 400 itself and reports false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidPayload", "malformed request body: "+err.Error(), "", false)
		return false
	}
	return true
}
