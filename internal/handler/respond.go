package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/gptpaywall/internal/apperr"
	"github.com/dukerupert/gptpaywall/internal/middleware"
)

const maxJSONBody = 1 << 20

// base carries what every handler needs to answer errors.
type base struct {
	logger *slog.Logger
	// debug adds the wrapped error chain to error bodies. Off in production.
	debug bool
}

// fail writes err as a JSON error body with the status of its kind. Server
// errors are logged here; client errors are left to the request logger.
func (b base) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.Status()
	if status >= http.StatusInternalServerError {
		b.logger.Error(apperr.Message(err),
			"kind", kind.String(),
			"error", err,
			"request_id", middleware.RequestIDFrom(r.Context()),
		)
	}

	body := map[string]string{"error": apperr.Message(err)}
	if b.debug {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.BadRequest, "Request body too large", err)
		}
		return apperr.Wrap(apperr.BadRequest, "Invalid JSON", err)
	}
	return nil
}

// Notifier receives directory changes made through the API.
type Notifier interface {
	UserChanged(action, id string, extra map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) UserChanged(string, string, map[string]any) {}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

// Health reports liveness. It touches no external system.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"message":   "GPT Paywall API is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// NotFound answers requests no route matched.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Route not found"})
}
