package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// AuthService is the interface that wraps methods for authentication business logic.
type AuthService interface {
	// Method GitHubLogin creates or refreshes the user behind a GitHub identity and issues an access token.
	//
	// If github_id or username is missing the returned error wraps models.ErrValidation.
	GitHubLogin(ctx context.Context, req *models.GitHubLoginRequest) (*models.LoginResponse, error)
	// Method Me retrieves the authenticated user.
	Me(ctx context.Context, userID int) (*models.User, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	BaseHandler
	authService  AuthService
	apiKeyMw     func(http.Handler) http.Handler
	authMw       func(http.Handler) http.Handler
	cookieMaxAge time.Duration
	secureCookie bool
}

// NewAuthHandler creates a new auth handler. github-login is guarded by apiKeyMw and me by authMw.
func NewAuthHandler(
	authService AuthService,
	apiKeyMw, authMw func(http.Handler) http.Handler,
	cookieMaxAge time.Duration,
	secureCookie bool,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		BaseHandler:  BaseHandler{Logger: logger},
		authService:  authService,
		apiKeyMw:     apiKeyMw,
		authMw:       authMw,
		cookieMaxAge: cookieMaxAge,
		secureCookie: secureCookie,
	}
}

// RegisterRoutes registers all auth handler routes
// Note: This assumes the router is already scoped to /api
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.With(h.apiKeyMw).Post("/github-login", h.GitHubLogin)
		r.With(h.authMw).Get("/me", h.Me)
	})
}

// GitHubLogin handles POST /auth/github-login
// @Summary Log in with a GitHub identity
// @Description Called by the frontend after GitHub OAuth. Creates or updates the user and returns an access token, also set as an HTTP-only cookie.
// @Tags auth
// @Accept json
// @Produce json
// @Param X-API-Key header string true "API Key"
// @Param request body models.GitHubLoginRequest true "GitHub profile"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} map[string]string "Invalid request body"
// @Failure 401 {object} map[string]string "Invalid or missing API key"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /auth/github-login [post]
func (h *AuthHandler) GitHubLogin(w http.ResponseWriter, r *http.Request) {
	var req models.GitHubLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.authService.GitHubLogin(r.Context(), &req)
	if err != nil {
		h.RespondServiceError(w, err, "log in")
		return
	}

	h.setTokenCookie(w, resp.AccessToken)
	h.RespondJSON(w, http.StatusOK, resp)
}

// Me handles GET /auth/me
// @Summary Get the current user
// @Tags auth
// @Produce json
// @Success 200 {object} models.User
// @Failure 401 {object} map[string]string "Authentication required"
// @Failure 404 {object} map[string]string "User not found"
// @Security BearerAuth
// @Router /auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		h.RespondServiceError(w, err, "get user")
		return
	}

	h.RespondJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, accessToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "access_token",
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(h.cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
