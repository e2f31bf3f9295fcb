package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"propsight/internal/types"
)

// sessionCookieName is the cookie carrying the session ID. The auth handler
// sets it HttpOnly, so browser clients authenticate via cookie rather than
// the Authorization header.
const sessionCookieName = "session_id"

// authPublicPaths lists URL paths that are exempt from authentication.
// Requests to these paths bypass the AuthMiddleware entirely. Signup and
// login establish the session; the Stripe webhook authenticates via its
// signature header; logout degrades gracefully without a session.
var authPublicPaths = map[string]bool{
	"/health":             true,
	"/openapi.json":       true,
	"/v1/auth/signup":     true,
	"/v1/auth/login":      true,
	"/v1/auth/logout":     true,
	"/v1/webhooks/stripe": true,
}

// AuthMiddleware wraps handlers requiring authentication.
//
//  1. Extracts the Bearer token from the Authorization header.
//  2. Calls Authenticator.ResolveToken to resolve the token to an Actor.
//  3. Injects the Actor into the request context via types.WithActor.
//  4. For session-based auth (ActorTypeUser), the Authenticator also injects
//     the session's CSRF token via types.WithSessionCSRFToken for downstream
//     CSRF validation.
//  5. Returns 401 Unauthorized on failure with distinct error codes:
//     - auth_token_missing: No Authorization header or empty Bearer token.
//     - auth_token_invalid: Token is malformed or not found.
//     - auth_session_expired: Session exists but has expired.
//
// If the Authenticator field on Server is nil (e.g., during tests that don't
// inject one), the middleware passes through without authentication.
//
// The Authenticator implementation is responsible for the live account check
// (verifying the user is still active on every request) and sliding window
// session extension logic.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no authenticator is configured, pass through.
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Skip authentication for public paths.
		if authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// Extract the session token: Authorization header first, then the
		// HttpOnly session cookie set by the auth handler.
		token, err := extractSessionToken(r)
		if err != nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, err.Error())
			return
		}

		// Resolve the token to an Actor. Authenticators that implement
		// ContextAuthenticator return an enriched context carrying the
		// session's CSRF token for downstream CSRF validation.
		ctx := r.Context()
		var actor *types.Actor
		if ca, ok := s.Authenticator.(ContextAuthenticator); ok {
			ctx, actor, err = ca.AuthenticateRequest(ctx, token)
		} else {
			actor, err = s.Authenticator.ResolveToken(ctx, token)
		}
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}

		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx = types.WithActor(ctx, *actor)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractSessionToken resolves the session token for a request. The
// Authorization header takes precedence (API clients); absent that, the
// session cookie is used (browser clients). Returns an error describing the
// missing credential when neither is present.
func extractSessionToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token := extractBearerToken(authHeader)
		if token == "" {
			return "", errors.New("Bearer token is required")
		}
		return token, nil
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", errors.New("Authorization header or session cookie is required")
}

// extractBearerToken parses the Authorization header value and returns
// the token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	// Case-insensitive comparison of the "Bearer " scheme prefix per RFC 7235.
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	token := authHeader[len(prefix):]
	return strings.TrimSpace(token)
}

// handleAuthError inspects the error from Authenticator.ResolveToken and
// writes the appropriate 401 response with the correct error code.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.Warn("authentication failed: token expired",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.Warn("authentication failed: token invalid",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		case types.ErrCodeAuthSessionExpired:
			s.Logger.Warn("authentication failed: session expired",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthSessionExpired, "Session has expired")
			return
		}
	}

	// Generic error: log it but don't leak internal details.
	s.Logger.Error("authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

// writeAuthError writes a 401 Unauthorized JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	requestID := types.GetRequestID(r.Context())
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}

// RequireActor returns middleware that rejects requests without an
// authenticated Actor in context. It is applied to route groups that must
// never be reachable anonymously, as a second line of defense behind
// AuthMiddleware.
func (s *Server) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetActor(r.Context()); !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
