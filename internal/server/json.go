package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every non-2xx reply from the status server,
// e.g. {"error":"command queue full"}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes data as the response body with the given status.
//
// The status line goes out before encoding starts, so an encoding failure
// cannot change it any more; the client then sees a truncated body and the
// failure is only logged.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err, "status", status)
	}
}

// writeJSONError is the JSON counterpart of http.Error.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	if status < http.StatusBadRequest {
		slog.WarnContext(ctx, "error response with non-error status", "status", status)
	}
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}
