package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// Credential is an identity account. Federated accounts have no password hash.
type Credential struct {
	ID              string
	Email           string
	DisplayName     string
	PasswordHash    string
	Provider        string
	ProviderSubject string
	CreatedAt       time.Time
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}
