package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pivotagent/pivot/pkg/builder"
	"github.com/pivotagent/pivot/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Anything unmapped is a
// 500 with the detail kept out of the response body.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *store.ValidationError
	var buildErr *builder.BuildError

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationErr.Message})
	case errors.As(err, &buildErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": buildErr.Message})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(r *http.Request, target interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return &store.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}
