package models

import "time"

// User is an identity imported from GitHub OAuth
type User struct {
	ID        int       `json:"id"`
	GitHubID  string    `json:"github_id"`
	Username  string    `json:"username"`
	Email     *string   `json:"email"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GitHubLoginRequest represents the profile forwarded by the frontend after a GitHub OAuth login
type GitHubLoginRequest struct {
	GitHubID  string  `json:"github_id"`
	Username  string  `json:"username"`
	Email     *string `json:"email,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// LoginResponse represents the response of a successful login
type LoginResponse struct {
	User        *User  `json:"user"`
	AccessToken string `json:"access_token"`
}
