package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"billboard-api-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// APIKeyMiddleware requires a matching X-API-Key header when required is
// set. Paths in publicPaths are always open; an entry ending in "*" opens
// every path with that prefix. A required key that was never configured
// is treated as a misconfiguration: it is logged and requests pass.
func APIKeyMiddleware(apiKey string, required bool, publicPaths []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool)
	var prefixes []string
	for _, p := range publicPaths {
		if strings.HasSuffix(p, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
		} else {
			exact[p] = true
		}
	}

	isPublic := func(path string) bool {
		if exact[path] {
			return true
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !required {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey == "" {
				log.Warnf("%s API key required but not configured, allowing request", logcolors.LogAPIKey)
				next.ServeHTTP(w, r)
				return
			}
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-API-Key")
			switch {
			case provided == "":
				log.Warnf("%s Missing API key from %s for %s", logcolors.LogAPIKey, clientIP(r), r.URL.Path)
				unauthorized(w, "API key required", "Provide a valid API key via X-API-Key header")
			case subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1:
				log.Warnf("%s Invalid API key from %s for %s", logcolors.LogAPIKey, clientIP(r), r.URL.Path)
				unauthorized(w, "Invalid API key", "The provided API key is not valid")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func unauthorized(w http.ResponseWriter, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": errMsg, "message": message})
}
