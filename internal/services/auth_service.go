package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/joeyagent/backend/internal/models"
	"go.uber.org/zap"
)

// UserRepository is the user storage used by the auth service
type UserRepository interface {
	Upsert(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id int) (*models.User, error)
}

// TokenIssuer issues access tokens for a user id
type TokenIssuer interface {
	GenerateAccessToken(userID int) (string, error)
}

type authService struct {
	repo   UserRepository
	tokens TokenIssuer
	logger *zap.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(repo UserRepository, tokens TokenIssuer, logger *zap.Logger) *authService {
	return &authService{
		repo:   repo,
		tokens: tokens,
		logger: logger,
	}
}

// GitHubLogin creates or refreshes the user behind a GitHub identity and issues an access token
func (s *authService) GitHubLogin(ctx context.Context, req *models.GitHubLoginRequest) (*models.LoginResponse, error) {
	githubID := strings.TrimSpace(req.GitHubID)
	username := strings.TrimSpace(req.Username)
	if githubID == "" {
		return nil, fmt.Errorf("%w: github_id is required", models.ErrValidation)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", models.ErrValidation)
	}

	user := &models.User{
		GitHubID:  githubID,
		Username:  username,
		Email:     req.Email,
		AvatarURL: req.AvatarURL,
	}
	if err := s.repo.Upsert(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}

	stored, err := s.repo.GetByID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	token, err := s.tokens.GenerateAccessToken(stored.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.logger.Info("user logged in", zap.Int("user_id", stored.ID))
	return &models.LoginResponse{User: stored, AccessToken: token}, nil
}

// Me returns the authenticated user
func (s *authService) Me(ctx context.Context, userID int) (*models.User, error) {
	return s.repo.GetByID(ctx, userID)
}
