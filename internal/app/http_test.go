package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"recoveryjourney/api/internal/chat"
	"recoveryjourney/api/internal/config"
	"recoveryjourney/api/internal/content"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/session"
	"recoveryjourney/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredentials struct {
	mu    sync.Mutex
	byID  map[string]store.Credential
	email map[string]string
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{byID: map[string]store.Credential{}, email: map[string]string{}}
}

func (f *fakeCredentials) CreateCredential(_ context.Context, cred store.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(cred.Email)
	if _, ok := f.email[key]; ok {
		return store.ErrEmailTaken
	}
	f.byID[cred.ID] = cred
	f.email[key] = cred.ID
	return nil
}

func (f *fakeCredentials) CredentialByEmail(_ context.Context, email string) (store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.email[strings.ToLower(email)]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return f.byID[id], nil
}

func (f *fakeCredentials) CredentialByID(_ context.Context, id string) (store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.byID[id]
	if !ok {
		return store.Credential{}, store.ErrNotFound
	}
	return cred, nil
}

func (f *fakeCredentials) UpdateDisplayName(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	cred.DisplayName = name
	f.byID[id] = cred
	return nil
}

type fakeDocuments struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func (f *fakeDocuments) ReadDocument(_ context.Context, collection, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[collection+"/"+id]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true, nil
}

func (f *fakeDocuments) WriteDocument(_ context.Context, collection, id string, fields map[string]any, merge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + id
	existing, ok := f.docs[key]
	if !merge || !ok {
		existing = map[string]any{}
	}
	for k, v := range fields {
		existing[k] = v
	}
	f.docs[key] = existing
	return nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, raw string) (identity.FederatedClaims, error) {
	if raw != "good-token" {
		return identity.FederatedClaims{}, errors.New("bad token")
	}
	return identity.FederatedClaims{Subject: "g-1", Email: "g@x.com", Name: "Gee"}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type testServer struct {
	handler  http.Handler
	devices  *Devices
	profiles *fakeDocuments
}

func newTestServer(t *testing.T, database Pinger) *testServer {
	t.Helper()
	registry := prometheus.NewRegistry()
	profiles := &fakeDocuments{docs: map[string]map[string]any{}}
	devices := NewDevices(context.Background(), DeviceConfig{
		Credentials: newFakeCredentials(),
		Profiles:    profiles,
		Identity: identity.LocalOptions{
			Secret:    "test-secret",
			ProjectID: "recovery-test",
			Verifier:  fakeVerifier{},
		},
		Metrics: session.NewMetrics(registry),
	})
	t.Cleanup(devices.Close)

	server := NewHTTPServer(ServerConfig{
		Devices:    devices,
		Chat:       chat.NewService(nil, nil, nil),
		Content:    content.NewService(nil, content.Catalog(), nil),
		Database:   database,
		Registry:   registry,
		CORSOrigin: "*",
		AuthDomain: config.Config{AuthDomain: "recovery-test.firebaseapp.com"}.AuthDomainFor,
	})
	return &testServer{handler: server.Handler(), devices: devices, profiles: profiles}
}

func (ts *testServer) do(t *testing.T, method, path, device string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if device != "" {
		req.Header.Set("X-Device-ID", device)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		ts := newTestServer(t, fakePinger{})
		rr, body := ts.do(t, http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ready", body["status"])
	})
	t.Run("database down", func(t *testing.T) {
		ts := newTestServer(t, fakePinger{err: errors.New("connection refused")})
		rr, body := ts.do(t, http.MethodGet, "/api/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "not_ready", body["status"])
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "error", checks["database"].(map[string]any)["status"])
	})
}

func TestSessionIssuesDeviceID(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodGet, "/api/session", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("X-Device-ID"), "dev_"))
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, "recovery-test.firebaseapp.com", body["authDomain"])
	assert.Equal(t, 1, ts.devices.Len())
}

func TestRegisterThenSessionIsAuthenticated(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, body := ts.do(t, http.MethodPost, "/api/session/register", "phone", map[string]any{
		"email": "a@x.com", "password": "long-enough", "name": "A",
	})
	require.Equal(t, http.StatusCreated, rr.Code, body)
	assert.Equal(t, "/onboarding", body["redirect"])

	require.Eventually(t, func() bool {
		_, st := ts.do(t, http.MethodGet, "/api/session", "phone", nil)
		user, _ := st["user"].(map[string]any)
		return st["authenticated"] == true && st["loading"] == false && user["onboardingCompleted"] == false
	}, time.Second, 10*time.Millisecond)

	ts.profiles.mu.Lock()
	var found bool
	for key, doc := range ts.profiles.docs {
		if strings.HasPrefix(key, "users/") {
			found = true
			assert.Equal(t, false, doc["onboardingCompleted"])
			assert.Equal(t, "a@x.com", doc["email"])
		}
	}
	ts.profiles.mu.Unlock()
	assert.True(t, found)
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodPost, "/api/session/register", "phone", map[string]any{"email": "a@x.com"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestLoginErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, _ := ts.do(t, http.MethodPost, "/api/session/register", "phone", map[string]any{
		"email": "a@x.com", "password": "long-enough", "name": "A",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	t.Run("wrong password", func(t *testing.T) {
		rr, body := ts.do(t, http.MethodPost, "/api/session/login", "laptop", map[string]any{"email": "a@x.com", "password": "wrong-pass"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "INVALID_CREDENTIALS", body["code"])
	})

	t.Run("offline", func(t *testing.T) {
		rr, _ := ts.do(t, http.MethodPut, "/api/session/network", "tablet", map[string]any{"online": false})
		require.Equal(t, http.StatusOK, rr.Code)

		rr, body := ts.do(t, http.MethodPost, "/api/session/login", "tablet", map[string]any{"email": "a@x.com", "password": "long-enough"})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "OFFLINE", body["code"])
		assert.Equal(t, session.OfflineMessage, body["error"])
	})

	t.Run("success", func(t *testing.T) {
		rr, body := ts.do(t, http.MethodPost, "/api/session/login", "laptop", map[string]any{"email": "a@x.com", "password": "long-enough"})
		require.Equal(t, http.StatusOK, rr.Code, body)
		user := body["user"].(map[string]any)
		assert.Equal(t, "a@x.com", user["email"])
		assert.Equal(t, false, user["onboardingCompleted"])
	})
}

func TestFederatedPopupClosed(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodPost, "/api/session/federated", "phone", map[string]any{"providerError": "auth/popup-closed-by-user"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "POPUP_CLOSED", body["code"])
	assert.Equal(t, "Login popup was closed. Please try again.", body["error"])

	_, st := ts.do(t, http.MethodGet, "/api/session", "phone", nil)
	assert.Nil(t, st["user"])
}

func TestFederatedCreatesProfile(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodPost, "/api/session/federated", "phone", map[string]any{"idToken": "good-token"})
	require.Equal(t, http.StatusOK, rr.Code, body)
	user := body["user"].(map[string]any)
	assert.Equal(t, "g@x.com", user["email"])
	assert.Equal(t, "Gee", user["name"])
}

func TestProfileUpdateOfflineQueues(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, _ := ts.do(t, http.MethodPost, "/api/session/register", "phone", map[string]any{
		"email": "a@x.com", "password": "long-enough", "name": "A",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, _ = ts.do(t, http.MethodPatch, "/api/session/profile", "phone", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ts.do(t, http.MethodPut, "/api/session/network", "phone", map[string]any{"online": false})
	rr, body := ts.do(t, http.MethodPatch, "/api/session/profile", "phone", map[string]any{"goals": []string{"g1"}})
	require.Equal(t, http.StatusOK, rr.Code, body)
	assert.EqualValues(t, 1, body["pending"])
	assert.Equal(t, []any{"g1"}, body["user"].(map[string]any)["goals"])

	_, notes := ts.do(t, http.MethodGet, "/api/session/notifications", "phone", nil)
	items := notes["notifications"].([]any)
	require.NotEmpty(t, items)
	assert.Equal(t, "You're offline", items[0].(map[string]any)["title"])
}

func TestProfileUpdateWithoutUser(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodPatch, "/api/session/profile", "phone", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, nil)

	rr, _ := ts.do(t, http.MethodPost, "/api/chat", "phone", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = ts.do(t, http.MethodPost, "/api/session/register", "phone", map[string]any{
		"email": "a@x.com", "password": "long-enough", "name": "A",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr, body := ts.do(t, http.MethodPost, "/api/chat", "phone", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rr.Code, body)
	assert.Equal(t, chat.FallbackMessage, body["reply"].(map[string]any)["text"])

	rr, body = ts.do(t, http.MethodPost, "/api/chat", "phone", map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	rr, body = ts.do(t, http.MethodGet, "/api/chat/history", "phone", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body["messages"])
}

func TestContentSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodGet, "/api/content?q=mental", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, body["total"])

	rr, _ = ts.do(t, http.MethodGet, "/api/content?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	out := httptest.NewRecorder()
	ts.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Body.String(), "recovery_session_pending_updates_total")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	rr, body := ts.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}
