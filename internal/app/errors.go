package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"recoveryjourney/api/internal/chat"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if session.IsOffline(err) {
		return http.StatusServiceUnavailable, "OFFLINE", session.OfflineMessage, nil
	}
	if errors.Is(err, session.ErrNoProfile) || errors.Is(err, identity.ErrNotSignedIn) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "No authenticated user found", nil
	}
	if kind := identity.KindOf(err); kind != "" {
		return http.StatusUnauthorized, strings.ToUpper(string(kind)), err.Error(), nil
	}
	if errors.Is(err, chat.ErrEmptyMessage) {
		return http.StatusBadRequest, "VALIDATION_ERROR", "Message is required", nil
	}
	if errors.Is(err, ErrInvalidDevice) {
		return http.StatusBadRequest, "INVALID_DEVICE", "X-Device-ID header is invalid", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
