package middleware

import "net/http"

// SecurityHeaders sets HTTP security headers on every response. When
// tlsEnabled is true, Strict-Transport-Security is included; it is
// omitted on plain HTTP to avoid browsers caching an HSTS policy for a
// host that does not support TLS.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Pure API surface: nothing should ever render or embed.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
