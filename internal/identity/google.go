package identity

import (
	"context"
	"fmt"

	"google.golang.org/api/idtoken"
)

// FederatedClaims are the verified claims of a federated ID token.
type FederatedClaims struct {
	Subject string
	Email   string
	Name    string
}

// TokenVerifier verifies an ID token produced by a federated flow.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (FederatedClaims, error)
}

// GoogleVerifier validates Google ID tokens for ClientID.
type GoogleVerifier struct {
	ClientID string
}

func (v GoogleVerifier) Verify(ctx context.Context, idToken string) (FederatedClaims, error) {
	payload, err := idtoken.Validate(ctx, idToken, v.ClientID)
	if err != nil {
		return FederatedClaims{}, fmt.Errorf("validate google token: %w", err)
	}
	email, _ := payload.Claims["email"].(string)
	name, _ := payload.Claims["name"].(string)
	return FederatedClaims{
		Subject: payload.Subject,
		Email:   email,
		Name:    name,
	}, nil
}

// Flow runs the interactive part of a federated sign-in and yields the
// provider's ID token. Failures carry a *CodeError.
type Flow interface {
	IDToken(ctx context.Context) (string, error)
}

// StaticFlow is a Flow whose outcome is already known, as reported by a client
// that ran the popup itself.
type StaticFlow struct {
	Token string
	Code  string
}

func (f StaticFlow) IDToken(context.Context) (string, error) {
	if f.Code != "" {
		return "", &CodeError{Code: f.Code}
	}
	if f.Token == "" {
		return "", &CodeError{Code: "auth/invalid-credential"}
	}
	return f.Token, nil
}
