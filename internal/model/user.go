package model

import (
	"time"
)

// UserKey is the canonical, storage-safe identifier derived from an email address.
type UserKey string

// UserRecord is a registered user.
type UserRecord struct {
	Key         UserKey   `json:"email"`
	DisplayName string    `json:"name"`
	Email       string    `json:"raw_email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterUserRequest is the request to register the authenticated caller.
type RegisterUserRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// SearchUsersResponse is the response for a directory search.
type SearchUsersResponse struct {
	Users []UserRecord `json:"users"`
}

// ExistsResponse is the response for an existence check.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}
