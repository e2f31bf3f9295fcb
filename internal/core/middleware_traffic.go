package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"propsight/internal/types"
)

// defaultRateLimitWindow is the default rate limit window used by the middleware.
// The actual per-user limit and window are resolved by the RateLimitStore
// implementation against the user's plan.
const defaultRateLimitWindow = 24 * time.Hour

// defaultRateLimitMax is the default maximum number of requests per window.
// This is used as a fallback; the production RateLimitStore implementation
// reads the actual limit from the user's plan.
const defaultRateLimitMax = 1000

// RateLimit uses a backing store to enforce plan limits.
//
// The middleware extracts the Actor from the request context (set by
// AuthMiddleware) and calls RateLimitStore.IncrementAndCheck to atomically
// increment the counter and check against the limit. Counters are keyed by
// user ID.
//
// If no RateLimitStore is configured (e.g., during tests), the middleware
// passes through without rate limiting.
//
// If no Actor is in the context (unauthenticated request), the middleware
// passes through -- AuthMiddleware will handle the 401.
//
// On every request (allowed or not), the middleware sets standard rate limit
// response headers:
//   - X-RateLimit-Limit: The maximum number of requests in the window.
//   - X-RateLimit-Remaining: The number of requests remaining.
//   - X-RateLimit-Reset: Unix timestamp when the window resets.
//
// When rate limited, the middleware also sets:
//   - Retry-After: Seconds until the rate limit window resets.
func (s *Server) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no rate limit store is configured, pass through.
		if s.RateLimitStore == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Extract the Actor from context. If not present, the request is
		// unauthenticated and AuthMiddleware will handle the 401.
		actor, ok := types.GetActor(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		// Use the user ID as the rate limit key. System actors are exempt.
		if actor.Type == types.ActorTypeSystem || actor.ID == "" {
			next.ServeHTTP(w, r)
			return
		}

		result, err := s.RateLimitStore.IncrementAndCheck(
			r.Context(),
			actor.ID,
			defaultRateLimitMax,
			defaultRateLimitWindow,
		)
		if err != nil {
			// On store errors, fail open: allow the request through but log
			// the error. This prevents a rate limit store outage from blocking
			// all API traffic.
			s.Logger.Error("rate limit store error",
				slog.String("user_id", actor.ID),
				slog.String("error", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		// Set rate limit headers on every response (allowed or denied).
		setRateLimitHeaders(w, defaultRateLimitMax, result)

		if !result.Allowed {
			s.Logger.Warn("rate limit exceeded",
				slog.String("user_id", actor.ID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			// Set Retry-After header for 429 responses.
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			requestID := types.GetRequestID(r.Context())
			resp := APIErrorResponse{
				Error: ErrorDetail{
					Code:      string(types.ErrCodeRateLimit),
					Message:   "Rate limit exceeded. Please retry after the reset time.",
					RequestID: requestID,
				},
			}
			JSON(w, r, http.StatusTooManyRequests, resp)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders writes the standard X-RateLimit-* headers to the response.
func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
