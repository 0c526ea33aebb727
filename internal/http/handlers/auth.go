package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joel-Y/WizLock-Tech-App/internal/auth"
	"github.com/joel-Y/WizLock-Tech-App/internal/middleware"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// AuthHandler handles sign-in, the session and user management
type AuthHandler struct {
	authService *auth.Service
	ipLimiter   *middleware.RateLimiter
	log         zerolog.Logger
}

// NewAuthHandler creates a new auth handler. limiter may be nil.
func NewAuthHandler(authService *auth.Service, limiter *middleware.RateLimiter, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, ipLimiter: limiter, log: log}
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// sessionResponse describes the signed-in technician
type sessionResponse struct {
	Token        string            `json:"token,omitempty"`
	Username     string            `json:"username"`
	Role         model.Role        `json:"role"`
	ExpiresAt    int64             `json:"expiresAt"`
	Capabilities []auth.Capability `json:"capabilities"`
}

func newSessionResponse(s *model.Session, withToken bool) sessionResponse {
	resp := sessionResponse{
		Username:     s.Username,
		Role:         s.Role,
		ExpiresAt:    s.ExpiresAt,
		Capabilities: auth.Capabilities(s.Role),
	}
	if withToken {
		resp.Token = s.Token
	}
	return resp
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if h.ipLimiter != nil && !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sess, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondWithError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error().Err(err).Msg("login failed")
		respondWithError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess, true))
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.authService.Logout(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("logout failed")
		respondWithError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess, false))
}

// HandleNavigation handles GET /api/v1/navigation: the screens the
// technician's role may open.
func (h *AuthHandler) HandleNavigation(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": auth.RoutesFor(sess.Role)})
}

// HandleListUsers handles GET /api/v1/admin/users
func (h *AuthHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.GetSession(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	users, err := h.authService.ListUsers(r.Context(), *sess)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			respondWithError(w, http.StatusForbidden, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("failed to list users")
		respondWithError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
