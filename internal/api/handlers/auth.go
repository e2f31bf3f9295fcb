// Package handlers contains the HTTP handler implementations for the PropSight API.
//
// This file implements the auth surface: signup, login, and logout. Session
// IDs travel only in an HttpOnly cookie; the JSON body carries the CSRF token.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"propsight/internal/auth"
	"propsight/internal/core"
	"propsight/internal/types"
)

// --- DTOs ---

// SignupRequest is the request body for POST /v1/auth/signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the request body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is the unified response for Signup and Login. The session ID
// is returned ONLY via the HttpOnly/Secure Set-Cookie header; it is never
// included in the JSON response body.
type AuthResponse struct {
	CSRFToken string      `json:"csrf_token"`
	User      *types.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// --- Service Interfaces ---

// AuthService orchestrates credential validation and account lifecycle flows.
// Implemented by auth.NewAuthService.
type AuthService interface {
	// Signup creates the account and an initial session.
	Signup(ctx context.Context, email, name, password, ip string) (*types.User, *types.Session, error)

	// Login verifies credentials and returns the User and Session.
	Login(ctx context.Context, email, password, ip string) (*types.User, *types.Session, error)

	// Logout hard-deletes the session.
	Logout(ctx context.Context, sessionID string) error
}

// --- Cookie Configuration ---

// CookieConfig defines security attributes for session cookies.
type CookieConfig struct {
	Name     string
	Domain   string
	Secure   bool
	HttpOnly bool
	SameSite http.SameSite
	MaxAge   int // seconds
	Path     string
}

// DefaultCookieConfig returns the default cookie configuration:
// HttpOnly, Secure, SameSite=Lax, MaxAge 7 days.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		Name:     "session_id",
		Domain:   "",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   604800, // 7 days
		Path:     "/",
	}
}

// --- Handler ---

// AuthHandler maps HTTP requests to the auth service layer and handles
// cookie and header management.
type AuthHandler struct {
	authService  AuthService
	cookieConfig CookieConfig
	logger       *slog.Logger
	validator    *core.Validator
}

// NewAuthHandler creates a new AuthHandler with the provided dependencies.
func NewAuthHandler(
	authSvc AuthService,
	cfg CookieConfig,
	l *slog.Logger,
	v *core.Validator,
) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AuthHandler{
		authService:  authSvc,
		cookieConfig: cfg,
		logger:       l,
		validator:    v,
	}
}

// RegisterRoutes mounts all auth routes onto the provided router.
//
// Public routes (no session required):
//   - POST /auth/signup - Account creation
//   - POST /auth/login  - Credential login
//
// Protected routes (requires valid session):
//   - POST /auth/logout - Session logout
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.HandleSignup)
		r.Post("/login", h.HandleLogin)
		r.Post("/logout", h.HandleLogout)
	})
}

// --- Handler Methods ---

// HandleSignup processes POST /v1/auth/signup requests.
//
//  1. Decode and validate the SignupRequest.
//  2. Canonicalize the email.
//  3. Call AuthService.Signup, which also provisions the free-tier
//     subscription for the new account.
//  4. On success: set the HttpOnly session cookie and return 201 with the
//     AuthResponse.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	email := auth.CanonicalizeEmail(req.Email)
	ip := extractClientIP(r)

	user, session, err := h.authService.Signup(r.Context(), email, req.Name, req.Password, ip)
	if err != nil {
		h.handleAuthError(w, r, err)
		return
	}

	h.setSessionCookie(w, session.ID)

	resp := AuthResponse{
		CSRFToken: session.CSRFToken,
		User:      user,
		ExpiresAt: session.ExpiresAt,
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: resp})
}

// HandleLogin processes POST /v1/auth/login requests.
//
// The session ID is returned only via the Set-Cookie header.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	email := auth.CanonicalizeEmail(req.Email)
	ip := extractClientIP(r)

	user, session, err := h.authService.Login(r.Context(), email, req.Password, ip)
	if err != nil {
		h.handleAuthError(w, r, err)
		return
	}

	h.setSessionCookie(w, session.ID)

	resp := AuthResponse{
		CSRFToken: session.CSRFToken,
		User:      user,
		ExpiresAt: session.ExpiresAt,
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// HandleLogout processes POST /v1/auth/logout requests.
//
//  1. Extract the session ID from the cookie.
//  2. Hard-delete the session.
//  3. Clear the client cookie (Max-Age=0, Expires=epoch).
//  4. Return 200 OK.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := h.extractSessionIDFromCookie(r)
	if sessionID == "" {
		// No session cookie present; nothing to invalidate.
		// Still clear any residual cookie and return success.
		h.clearSessionCookie(w)
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: map[string]string{"message": "logged out"},
		})
		return
	}

	if err := h.authService.Logout(r.Context(), sessionID); err != nil {
		h.logger.WarnContext(r.Context(), "failed to invalidate session during logout",
			"error", err,
		)
		// Continue with cookie clearing even if DB invalidation fails; the
		// session expires naturally.
	}

	h.clearSessionCookie(w)

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]string{"message": "logged out"},
	})
}

// --- Cookie Helpers ---

// setSessionCookie writes the session cookie to the response. The session ID
// reaches the client only through this HttpOnly/Secure cookie.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieConfig.Name,
		Value:    sessionID,
		MaxAge:   h.cookieConfig.MaxAge,
		Path:     h.cookieConfig.Path,
		Domain:   h.cookieConfig.Domain,
		Secure:   h.cookieConfig.Secure,
		HttpOnly: h.cookieConfig.HttpOnly,
		SameSite: h.cookieConfig.SameSite,
	})
}

// clearSessionCookie writes a cookie with Max-Age<0 and Expires=epoch to force
// immediate browser deletion of the session cookie.
func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieConfig.Name,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(), // Thu, 01 Jan 1970 00:00:00 GMT
		Path:     h.cookieConfig.Path,
		Domain:   h.cookieConfig.Domain,
		Secure:   h.cookieConfig.Secure,
		HttpOnly: h.cookieConfig.HttpOnly,
		SameSite: h.cookieConfig.SameSite,
	})
}

// extractSessionIDFromCookie reads the session ID from the request cookie.
func (h *AuthHandler) extractSessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(h.cookieConfig.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// --- Error Handling ---

// handleAuthError maps internal auth errors to user-facing HTTP responses:
//
//	auth_account_locked     -> 429 "Too many failed attempts. Try again later."
//	auth_invalid_credentials -> 401 "Invalid email or password."
//	not_found_user           -> 401 "Invalid email or password." (masked)
//	auth_account_not_active  -> 403 "Account is not active."
//
// Everything else passes through core.Error, which resolves the HTTP status
// from the error code.
func (h *AuthHandler) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		core.Error(w, r, err)
		return
	}

	switch appErr.Code {
	case types.ErrCodeAuthLocked:
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthLocked,
			"Too many failed attempts. Try again later.",
			nil,
		))
	case types.ErrCodeAuthInvalidCreds, types.ErrCodeNotFoundUser:
		// Both map to 401 with a generic message for enumeration protection.
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthInvalidCreds,
			"Invalid email or password.",
			nil,
		))
	case types.ErrCodeAuthAccountNotActive:
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthAccountNotActive,
			"Account is not active.",
			nil,
		))
	default:
		core.Error(w, r, err)
	}
}

// --- Utility ---

// extractClientIP extracts the client IP from the request. It checks
// X-Forwarded-For first (for requests behind a proxy/ALB), then falls back
// to RemoteAddr.
func extractClientIP(r *http.Request) string {
	// X-Forwarded-For may contain multiple IPs: client, proxy1, proxy2.
	// The first entry is the original client IP.
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}

	// Fall back to RemoteAddr (may include port: "ip:port")
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
