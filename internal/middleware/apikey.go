package middleware

import (
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/dukerupert/gptpaywall/internal/metrics"
)

// Credential returns the API key presented on r. X-API-Key wins over an
// Authorization bearer token.
func Credential(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// Fingerprint returns a BLAKE2b-256 digest of key in hex. Limiter buckets and
// log lines carry fingerprints, never raw keys.
func Fingerprint(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequireAPIKey rejects requests that do not present secret. An empty secret
// is a deployment error and answers 500 without saying why.
func RequireAPIKey(secret string, logger *slog.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	want := blake2b.Sum256([]byte(secret))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				logger.Error("api key secret is not configured", "path", r.URL.Path)
				m.AuthFailure("misconfigured")
				writeError(w, http.StatusInternalServerError, "Server configuration error")
				return
			}

			key := Credential(r)
			if key == "" {
				m.AuthFailure("missing")
				writeError(w, http.StatusUnauthorized, "API key is required")
				return
			}

			got := blake2b.Sum256([]byte(key))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				logger.Warn("invalid api key",
					"fingerprint", hex.EncodeToString(got[:6]),
					"remote", RealIP(r),
				)
				m.AuthFailure("mismatch")
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
