package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"recoveryjourney/api/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	refreshMargin     = 5 * time.Minute
)

// CredentialStore persists identity accounts.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred store.Credential) error
	CredentialByEmail(ctx context.Context, email string) (store.Credential, error)
	CredentialByID(ctx context.Context, id string) (store.Credential, error)
	UpdateDisplayName(ctx context.Context, id, name string) error
}

type LocalOptions struct {
	Secret    string
	ProjectID string
	TokenTTL  time.Duration
	// Verifier validates federated ID tokens. Nil disables federated sign-in.
	Verifier TokenVerifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Local is a Provider backed by a CredentialStore. Each instance tracks the
// signed-in principal of one client.
type Local struct {
	store    CredentialStore
	verifier TokenVerifier
	secret   []byte
	project  string
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu          sync.Mutex
	current     *Principal
	token       string
	persistence Persistence
	observers   map[int]func(*Principal)
	nextID      int

	dispatch *dispatcher
}

func NewLocal(credentials CredentialStore, opts LocalOptions) *Local {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Local{
		store:       credentials,
		verifier:    opts.Verifier,
		secret:      []byte(opts.Secret),
		project:     opts.ProjectID,
		ttl:         opts.TokenTTL,
		now:         opts.Now,
		logger:      opts.Logger,
		persistence: PersistenceLocal,
		observers:   make(map[int]func(*Principal)),
		dispatch:    newDispatcher(),
	}
}

func (l *Local) CreateAccount(ctx context.Context, email, password string) (*Principal, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, New(InvalidCredentials, errors.New("email and password are required"))
	}
	if len(password) < minPasswordLength {
		return nil, FromProviderCode("auth/weak-password", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	cred := store.Credential{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Provider:     store.ProviderPassword,
	}
	if err := l.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, FromProviderCode("auth/email-already-in-use", err)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	return l.signIn(cred)
}

func (l *Local) Authenticate(ctx context.Context, email, password string) (*Principal, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, New(InvalidCredentials, errors.New("email and password are required"))
	}

	cred, err := l.store.CredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, FromProviderCode("auth/user-not-found", err)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if cred.PasswordHash == "" {
		return nil, FromProviderCode("auth/invalid-credential", errors.New("account has no password"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, FromProviderCode("auth/wrong-password", err)
	}

	return l.signIn(cred)
}

// AuthenticateFederated runs flow and signs in with the verified ID token,
// creating the account on first use.
func (l *Local) AuthenticateFederated(ctx context.Context, flow Flow) (*Principal, error) {
	if l.verifier == nil {
		return nil, FromProviderCode("auth/operation-not-allowed", errors.New("federated sign-in is not configured"))
	}

	raw, err := flow.IDToken(ctx)
	if err != nil {
		var codeErr *CodeError
		if errors.As(err, &codeErr) {
			return nil, FromProviderCode(codeErr.Code, err)
		}
		return nil, err
	}

	claims, err := l.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, FromProviderCode("auth/invalid-credential", err)
	}
	if claims.Email == "" {
		return nil, FromProviderCode("auth/invalid-credential", errors.New("token has no email"))
	}

	cred, err := l.store.CredentialByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		if cred.Provider != store.ProviderGoogle {
			return nil, FromProviderCode("auth/account-exists-with-different-credential", nil)
		}
	case errors.Is(err, store.ErrNotFound):
		cred = store.Credential{
			ID:              uuid.NewString(),
			Email:           claims.Email,
			DisplayName:     claims.Name,
			Provider:        store.ProviderGoogle,
			ProviderSubject: claims.Subject,
		}
		if err := l.store.CreateCredential(ctx, cred); err != nil {
			if errors.Is(err, store.ErrEmailTaken) {
				return nil, FromProviderCode("auth/account-exists-with-different-credential", err)
			}
			return nil, fmt.Errorf("create federated account: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	return l.signIn(cred)
}

func (l *Local) UpdateDisplayName(ctx context.Context, name string) error {
	l.mu.Lock()
	current := l.current.clone()
	l.mu.Unlock()
	if current == nil {
		return ErrNotSignedIn
	}

	if err := l.store.UpdateDisplayName(ctx, current.UID, name); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}

	l.mu.Lock()
	if l.current != nil && l.current.UID == current.UID {
		l.current.DisplayName = name
	}
	l.mu.Unlock()
	return nil
}

func (l *Local) SignOut(context.Context) error {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil
	}
	l.current = nil
	l.token = ""
	l.notifyLocked()
	l.mu.Unlock()
	return nil
}

func (l *Local) Observe(fn func(*Principal)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.observers[id] = fn
	initial := l.current.clone()
	l.mu.Unlock()

	l.dispatch.enqueue(func() { l.deliver(id, initial) })

	return func() {
		l.mu.Lock()
		delete(l.observers, id)
		l.mu.Unlock()
	}
}

// RefreshToken returns an ID token for the current principal. Unless force is
// set, a token that stays valid past the refresh margin is reused.
func (l *Local) RefreshToken(ctx context.Context, force bool) (string, error) {
	l.mu.Lock()
	current := l.current.clone()
	token := l.token
	l.mu.Unlock()
	if current == nil {
		return "", ErrNotSignedIn
	}

	now := l.now()
	if !force && token != "" {
		if claims, err := ParseToken(l.secret, token, now); err == nil && claims.ExpiresAt != nil && claims.ExpiresAt.Sub(now) > refreshMargin {
			return token, nil
		}
	}

	// A deleted account must not keep refreshing.
	if _, err := l.store.CredentialByID(ctx, current.UID); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	fresh, err := l.issue(current, now)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	if l.current != nil && l.current.UID == current.UID {
		l.token = fresh
	}
	l.mu.Unlock()
	l.logger.Debug("identity token refreshed", zap.String("uid", current.UID), zap.Bool("forced", force))
	return fresh, nil
}

func (l *Local) SetPersistence(_ context.Context, mode Persistence) error {
	switch mode {
	case PersistenceLocal, PersistenceSession, PersistenceNone:
	default:
		return fmt.Errorf("unknown persistence mode %q", mode)
	}
	l.mu.Lock()
	l.persistence = mode
	l.mu.Unlock()
	return nil
}

func (l *Local) Current() *Principal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.clone()
}

// Token returns the current ID token, empty when signed out.
func (l *Local) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

// Close stops observer delivery. With PersistenceNone the principal is
// dropped as well.
func (l *Local) Close() {
	l.mu.Lock()
	if l.persistence == PersistenceNone {
		l.current = nil
		l.token = ""
	}
	l.mu.Unlock()
	l.dispatch.close()
}

func (l *Local) signIn(cred store.Credential) (*Principal, error) {
	principal := &Principal{UID: cred.ID, Email: cred.Email, DisplayName: cred.DisplayName}
	token, err := l.issue(principal, l.now())
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = principal
	l.token = token
	l.notifyLocked()
	l.mu.Unlock()
	return principal.clone(), nil
}

func (l *Local) issue(p *Principal, now time.Time) (string, error) {
	return IssueToken(l.secret, Claims{
		Email: p.Email,
		Name:  p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UID,
			Issuer:    l.project,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
		},
	})
}

// notifyLocked queues the current principal for every observer. Callers hold mu.
func (l *Local) notifyLocked() {
	snapshot := l.current.clone()
	ids := make([]int, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		id := id
		l.dispatch.enqueue(func() { l.deliver(id, snapshot.clone()) })
	}
}

func (l *Local) deliver(id int, p *Principal) {
	l.mu.Lock()
	fn, ok := l.observers[id]
	l.mu.Unlock()
	if ok {
		fn(p)
	}
}
