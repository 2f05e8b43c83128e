package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"recoveryjourney/api/internal/cache"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/network"
	"recoveryjourney/api/internal/profile"

	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	mu         sync.Mutex
	current    *identity.Principal
	observer   func(*identity.Principal)
	authCalls  int
	refreshes  int
	names      []string
	signOutErr error

	authenticateFn func(ctx context.Context, email, password string) (*identity.Principal, error)
	createFn       func(ctx context.Context, email, password string) (*identity.Principal, error)
	federatedFn    func(ctx context.Context, flow identity.Flow) (*identity.Principal, error)
}

func (f *fakeIdentity) CreateAccount(ctx context.Context, email, password string) (*identity.Principal, error) {
	f.mu.Lock()
	f.authCalls++
	f.mu.Unlock()
	if f.createFn != nil {
		return f.setCurrent(f.createFn(ctx, email, password))
	}
	return f.setCurrent(&identity.Principal{UID: "uid-new", Email: email}, nil)
}

func (f *fakeIdentity) Authenticate(ctx context.Context, email, password string) (*identity.Principal, error) {
	f.mu.Lock()
	f.authCalls++
	f.mu.Unlock()
	if f.authenticateFn != nil {
		return f.setCurrent(f.authenticateFn(ctx, email, password))
	}
	return f.setCurrent(&identity.Principal{UID: "uid-1", Email: email, DisplayName: "Ada"}, nil)
}

func (f *fakeIdentity) AuthenticateFederated(ctx context.Context, flow identity.Flow) (*identity.Principal, error) {
	f.mu.Lock()
	f.authCalls++
	f.mu.Unlock()
	if f.federatedFn != nil {
		return f.setCurrent(f.federatedFn(ctx, flow))
	}
	return f.setCurrent(&identity.Principal{UID: "uid-g", Email: "g@x.com", DisplayName: "Gee"}, nil)
}

func (f *fakeIdentity) setCurrent(p *identity.Principal, err error) (*identity.Principal, error) {
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.current = p
	f.mu.Unlock()
	return p, nil
}

func (f *fakeIdentity) UpdateDisplayName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if f.current != nil {
		f.current.DisplayName = name
	}
	return nil
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signOutErr != nil {
		return f.signOutErr
	}
	f.current = nil
	return nil
}

// Observe delivers synchronously; the initial callback runs before it returns.
func (f *fakeIdentity) Observe(fn func(*identity.Principal)) func() {
	f.mu.Lock()
	f.observer = fn
	current := f.current
	f.mu.Unlock()
	fn(current)
	return func() {
		f.mu.Lock()
		f.observer = nil
		f.mu.Unlock()
	}
}

func (f *fakeIdentity) RefreshToken(context.Context, bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "token", nil
}

func (f *fakeIdentity) SetPersistence(context.Context, identity.Persistence) error { return nil }

func (f *fakeIdentity) Current() *identity.Principal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	p := *f.current
	return &p
}

func (f *fakeIdentity) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func (f *fakeIdentity) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeProfiles struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	reads    int
	writes   int
	readErr  error
	writeErr error
	// gates block reads of a user id until closed.
	gates map[string]chan struct{}
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{docs: make(map[string]map[string]any), gates: make(map[string]chan struct{})}
}

func (f *fakeProfiles) ReadDocument(ctx context.Context, _ string, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	f.reads++
	gate := f.gates[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, false, f.readErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, false, nil
	}
	return jsonCopy(doc), true, nil
}

func (f *fakeProfiles) WriteDocument(_ context.Context, _ string, id string, fields map[string]any, merge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	incoming := jsonCopy(fields)
	existing, ok := f.docs[id]
	if !merge || !ok {
		f.docs[id] = incoming
		return nil
	}
	for k, v := range incoming {
		existing[k] = v
	}
	return nil
}

func (f *fakeProfiles) doc(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		return jsonCopy(doc)
	}
	return nil
}

func (f *fakeProfiles) counts() (reads, writes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.writes
}

func (f *fakeProfiles) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeProfiles) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func jsonCopy(in map[string]any) map[string]any {
	raw, _ := json.Marshal(in)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

type harness struct {
	sync      *Synchronizer
	identity  *fakeIdentity
	profiles  *fakeProfiles
	cache     *cache.Memory
	network   *network.Monitor
	notes     *NotificationLog
	navigator *RedirectRecorder
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	h := &harness{
		identity:  &fakeIdentity{},
		profiles:  newFakeProfiles(),
		cache:     cache.NewMemory(),
		network:   network.NewMonitor(online),
		notes:     NewNotificationLog(0),
		navigator: &RedirectRecorder{},
	}
	s, err := New(Deps{
		Identity:  h.identity,
		Profiles:  h.profiles,
		Cache:     h.cache,
		Network:   h.network,
		Notifier:  h.notes,
		Navigator: h.navigator,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	h.sync = s
	return h
}

func (h *harness) set(t *testing.T, key, value string) {
	t.Helper()
	require.NoError(t, h.cache.Set(context.Background(), key, value))
}

func (h *harness) get(key string) (string, bool) {
	v, ok, _ := h.cache.Get(context.Background(), key)
	return v, ok
}

func (h *harness) waitKey(t *testing.T, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.get(key)
		return ok
	}, waitFor, tick, key)
}

func encodeProfile(p profile.Profile) (string, error) {
	raw, err := json.Marshal(p)
	return string(raw), err
}

func settled(s *Synchronizer) func() bool {
	return func() bool {
		st := s.Current()
		return !st.Loading && st.Profile != nil
	}
}

const waitFor = time.Second
const tick = 5 * time.Millisecond
