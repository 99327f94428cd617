package services

import (
	"context"
	"errors"
	"testing"

	"github.com/joeyagent/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockUserRepository is a mock implementation of UserRepository
type mockUserRepository struct {
	users     map[string]*models.User
	upsertErr error
	getErr    error
	nextID    int
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{users: make(map[string]*models.User)}
}

func (m *mockUserRepository) Upsert(ctx context.Context, u *models.User) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if existing, ok := m.users[u.GitHubID]; ok {
		existing.Username = u.Username
		existing.Email = u.Email
		existing.AvatarURL = u.AvatarURL
		u.ID = existing.ID
		return nil
	}
	m.nextID++
	u.ID = m.nextID
	cp := *u
	m.users[u.GitHubID] = &cp
	return nil
}

func (m *mockUserRepository) GetByID(ctx context.Context, id int) (*models.User, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrUserNotFound
}

// mockTokenIssuer is a mock implementation of TokenIssuer
type mockTokenIssuer struct {
	err error
}

func (m *mockTokenIssuer) GenerateAccessToken(userID int) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "token-for-user", nil
}

func TestAuthService_GitHubLogin(t *testing.T) {
	tests := []struct {
		name          string
		req           models.GitHubLoginRequest
		repo          *mockUserRepository
		tokens        *mockTokenIssuer
		expectedErr   error
		errorContains string
	}{
		{
			name:   "success",
			req:    models.GitHubLoginRequest{GitHubID: "12345", Username: "octocat", Email: strPtr("octo@example.com")},
			repo:   newMockUserRepository(),
			tokens: &mockTokenIssuer{},
		},
		{
			name:        "missing github id",
			req:         models.GitHubLoginRequest{Username: "octocat"},
			repo:        newMockUserRepository(),
			tokens:      &mockTokenIssuer{},
			expectedErr: models.ErrValidation,
		},
		{
			name:        "missing username",
			req:         models.GitHubLoginRequest{GitHubID: "12345", Username: "  "},
			repo:        newMockUserRepository(),
			tokens:      &mockTokenIssuer{},
			expectedErr: models.ErrValidation,
		},
		{
			name:          "repository error",
			req:           models.GitHubLoginRequest{GitHubID: "12345", Username: "octocat"},
			repo:          &mockUserRepository{users: map[string]*models.User{}, upsertErr: errors.New("db down")},
			tokens:        &mockTokenIssuer{},
			errorContains: "failed to save user",
		},
		{
			name:          "token error",
			req:           models.GitHubLoginRequest{GitHubID: "12345", Username: "octocat"},
			repo:          newMockUserRepository(),
			tokens:        &mockTokenIssuer{err: errors.New("signing failed")},
			errorContains: "failed to issue access token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewAuthService(tt.repo, tt.tokens, zap.NewNop())

			resp, err := svc.GitHubLogin(context.Background(), &tt.req)

			switch {
			case tt.expectedErr != nil:
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, resp)
			case tt.errorContains != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Nil(t, resp)
			default:
				require.NoError(t, err)
				assert.Equal(t, "token-for-user", resp.AccessToken)
				assert.Equal(t, tt.req.GitHubID, resp.User.GitHubID)
				assert.Equal(t, tt.req.Username, resp.User.Username)
				assert.NotZero(t, resp.User.ID)
			}
		})
	}
}

func TestAuthService_GitHubLoginUpdatesExistingUser(t *testing.T) {
	repo := newMockUserRepository()
	svc := NewAuthService(repo, &mockTokenIssuer{}, zap.NewNop())

	first, err := svc.GitHubLogin(context.Background(), &models.GitHubLoginRequest{GitHubID: "1", Username: "old"})
	require.NoError(t, err)
	second, err := svc.GitHubLogin(context.Background(), &models.GitHubLoginRequest{GitHubID: "1", Username: "new"})
	require.NoError(t, err)

	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, "new", second.User.Username)
	assert.Len(t, repo.users, 1)
}

func TestAuthService_Me(t *testing.T) {
	repo := newMockUserRepository()
	svc := NewAuthService(repo, &mockTokenIssuer{}, zap.NewNop())
	resp, err := svc.GitHubLogin(context.Background(), &models.GitHubLoginRequest{GitHubID: "1", Username: "octocat"})
	require.NoError(t, err)

	user, err := svc.Me(context.Background(), resp.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Username)

	_, err = svc.Me(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}
