package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joeyagent/backend/internal/models"
)

type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *userRepository {
	return &userRepository{db: db}
}

// Upsert inserts a user or refreshes the profile of the user with the same github_id.
// The user's id is written back into u.
func (r *userRepository) Upsert(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO users (github_id, username, email, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			username = VALUES(username),
			email = VALUES(email),
			avatar_url = VALUES(avatar_url),
			updated_at = VALUES(updated_at)
	`

	result, err := r.db.ExecContext(ctx, query, u.GitHubID, u.Username, u.Email, u.AvatarURL, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	u.ID = int(id)
	return nil
}

// GetByID retrieves a user by ID
func (r *userRepository) GetByID(ctx context.Context, id int) (*models.User, error) {
	query := `
		SELECT id, github_id, username, email, avatar_url, created_at, updated_at
		FROM users
		WHERE id = ?
		LIMIT 1
	`

	u := &models.User{}
	var email, avatarURL sql.NullString
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID,
		&u.GitHubID,
		&u.Username,
		&email,
		&avatarURL,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	u.Email = nullStringPtr(email)
	u.AvatarURL = nullStringPtr(avatarURL)
	return u, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
