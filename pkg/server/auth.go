package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/raterudder/loadrudder/pkg/log"
)

// verifyEmail adapts an OIDC verifier to a tokenVerifier.
func verifyEmail(verifier *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if !claims.EmailVerified {
			return "", errors.New("email is not verified")
		}
		return claims.Email, nil
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// updateAuthMiddleware only lets callers presenting an ID token issued to one
// of the update emails through, e.g. Cloud Scheduler.
func (s *Server) updateAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}
		if s.oidcVerifier == nil || len(s.updateEmails) == 0 {
			log.Ctx(ctx).WarnContext(ctx, "update called but no authentication is configured")
			writeJSONError(w, "update is disabled", http.StatusForbidden)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		email, err := s.oidcVerifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "update token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		var allowed bool
		for _, e := range s.updateEmails {
			if constantTimeEqual(email, e) {
				allowed = true
				break
			}
		}
		if !allowed {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for update", slog.String("email", email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// submitAuthMiddleware checks the access key query parameter.
func (s *Server) submitAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.URL.Query().Get("key")
		if s.accessKey == "" || !constantTimeEqual(key, s.accessKey) {
			log.Ctx(ctx).WarnContext(ctx, "rejected submission with invalid access key", slog.String("remoteAddr", r.RemoteAddr))
			writeJSONError(w, "invalid access key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
