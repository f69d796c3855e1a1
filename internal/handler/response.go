package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/chaosdice/server/internal/service"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Error encoding response")
	}
}

// writeError writes a JSON error response with a stable code.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps service errors to responses. SessionError carries
// its own status and wire code; anything else is a logged 500 with a
// generic body.
func writeServiceError(w http.ResponseWriter, err error) {
	var se *service.SessionError
	if errors.As(err, &se) {
		writeJSON(w, se.Status, map[string]string{"error": se.Code, "reason": se.Message})
		return
	}
	log.Error().Err(err).Msg("Unhandled service error")
	writeError(w, http.StatusInternalServerError, "internal_error")
}

// decodeJSON reads and decodes JSON from a request body.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
