package middleware

import (
	"net/http"
	"strings"
)

// PathLimit overrides the body size limit for requests under Prefix
type PathLimit struct {
	Prefix   string
	MaxBytes int64
}

// RequestSizeLimitMiddleware caps request bodies at maxRequestSize bytes, or at the limit
// of the longest matching PathLimit. Declared oversize bodies are rejected up front;
// the rest fail with *http.MaxBytesError when read past the limit.
func RequestSizeLimitMiddleware(maxRequestSize int64, limits ...PathLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := bodyLimit(r.URL.Path, maxRequestSize, limits)
			if r.ContentLength > limit {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func bodyLimit(path string, fallback int64, limits []PathLimit) int64 {
	limit, matched := fallback, 0
	for _, l := range limits {
		if strings.HasPrefix(path, l.Prefix) && len(l.Prefix) > matched {
			limit, matched = l.MaxBytes, len(l.Prefix)
		}
	}
	return limit
}
