package server

import (
	"net/http"
)

// securityHeadersMiddleware sets the headers every response carries. The
// server only returns JSON and metrics so nothing may be framed or loaded.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		// handlers that can be cached override this
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
