package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ledgerworks/export-service/internal/common"
)

// APIKeyAuth resolves a caller label from the request's API key and stores it
// in the context. The core never sees the key itself, only the label.
//
// Keys are accepted from (in order): Authorization "Bearer <key>" or
// "ApiKey <key>", then the X-API-Key header.
func APIKeyAuth(keys map[string]string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "API key is required")
				return
			}
			caller, ok := keys[key]
			if !ok {
				logger.Warn("auth.invalid_key", "key_prefix", prefix(key))
				writeError(w, http.StatusUnauthorized, "invalid or inactive API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(common.WithCaller(r.Context(), caller)))
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		for _, scheme := range []string{"Bearer ", "ApiKey "} {
			if strings.HasPrefix(auth, scheme) {
				return strings.TrimPrefix(auth, scheme)
			}
		}
	}
	return r.Header.Get("X-API-Key")
}

func prefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
