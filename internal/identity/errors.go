package identity

import (
	"errors"
	"fmt"
)

// Kind tags an identity failure independent of provider error codes.
type Kind string

const (
	PopupClosed        Kind = "popup_closed"
	PopupBlocked       Kind = "popup_blocked"
	ProviderDisabled   Kind = "provider_disabled"
	ConcurrentPopup    Kind = "concurrent_popup"
	AccountCollision   Kind = "account_collision"
	InvalidCredentials Kind = "invalid_credentials"
	EmailInUse         Kind = "email_in_use"
	WeakPassword       Kind = "weak_password"
	Unknown            Kind = "unknown"
)

// Error is a user-facing identity failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

var ErrNotSignedIn = errors.New("no signed-in user")

var messages = map[Kind]string{
	PopupClosed:        "Login popup was closed. Please try again.",
	PopupBlocked:       "Login popup was blocked by your browser. Please enable popups and try again.",
	ProviderDisabled:   "Google sign-in is not enabled for this app. Please contact the administrator.",
	ConcurrentPopup:    "Multiple popups detected. Please try again.",
	AccountCollision:   "An account already exists with the same email but different sign-in credentials.",
	InvalidCredentials: "Invalid email or password.",
	EmailInUse:         "An account with this email already exists.",
	WeakPassword:       "Password should be at least 8 characters.",
	Unknown:            "Authentication failed. Please try again.",
}

var providerCodes = map[string]Kind{
	"auth/popup-closed-by-user":                     PopupClosed,
	"auth/popup-blocked":                            PopupBlocked,
	"auth/operation-not-allowed":                    ProviderDisabled,
	"auth/cancelled-popup-request":                  ConcurrentPopup,
	"auth/account-exists-with-different-credential": AccountCollision,
	"auth/invalid-credential":                       InvalidCredentials,
	"auth/wrong-password":                           InvalidCredentials,
	"auth/user-not-found":                           InvalidCredentials,
	"auth/email-already-in-use":                     EmailInUse,
	"auth/weak-password":                            WeakPassword,
}

// New builds an Error of kind with its user-facing message.
func New(kind Kind, err error) *Error {
	msg, ok := messages[kind]
	if !ok {
		msg = messages[Unknown]
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// FromProviderCode translates a provider error code into a tagged Error.
// Unmapped codes return err unchanged.
func FromProviderCode(code string, err error) error {
	kind, ok := providerCodes[code]
	if !ok {
		if err == nil {
			return fmt.Errorf("identity provider: %s", code)
		}
		return err
	}
	return New(kind, err)
}

// KindOf returns the Kind of an identity error, or "" for other errors.
func KindOf(err error) Kind {
	var idErr *Error
	if errors.As(err, &idErr) {
		return idErr.Kind
	}
	return ""
}

// CodeError is a failure reported by a federated flow with a provider code.
type CodeError struct {
	Code string
}

func (e *CodeError) Error() string {
	return "federated sign-in failed: " + e.Code
}
