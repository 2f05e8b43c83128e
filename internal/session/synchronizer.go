// Package session reconciles the identity principal, the device cache and the
// remote profile document into the single user record the client renders.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"recoveryjourney/api/internal/cache"
	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/profile"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProfileStore is the remote document store holding user profiles.
type ProfileStore interface {
	ReadDocument(ctx context.Context, collection, id string) (map[string]any, bool, error)
	WriteDocument(ctx context.Context, collection, id string, fields map[string]any, merge bool) error
}

// NetworkStatus reports connectivity. Subscribers are told about transitions.
type NetworkStatus interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

type Deps struct {
	Identity  identity.Provider
	Profiles  ProfileStore
	Cache     cache.Cache
	Network   NetworkStatus
	Notifier  Notifier
	Navigator Navigator
	Logger    *zap.Logger
	Metrics   *Metrics
}

type Options struct {
	// LoadTimeout bounds how long a session load may report Loading.
	LoadTimeout     time.Duration
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	OnboardingPath  string
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 50 * time.Minute
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.OnboardingPath == "" {
		o.OnboardingPath = "/onboarding"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// State is the value exposed to the client.
type State struct {
	Profile     *profile.Profile
	Loading     bool
	Err         error
	Online      bool
	Initialized bool
}

func (s State) clone() State {
	if s.Profile != nil {
		p := s.Profile.Clone()
		s.Profile = &p
	}
	return s
}

type Synchronizer struct {
	deps    Deps
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	fetches singleflight.Group

	mu          sync.Mutex
	state       State
	seq         uint64
	loadedOnce  bool
	timer       *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe []func()
	refreshStop chan struct{}
	closed      bool
	wg          sync.WaitGroup

	pendingMu sync.Mutex
	ids       *idSource

	pubMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

var errMissingDeps = errors.New("session: identity, profiles, cache and network are required")

func New(deps Deps, opts Options) (*Synchronizer, error) {
	if deps.Identity == nil || deps.Profiles == nil || deps.Cache == nil || deps.Network == nil {
		return nil, errMissingDeps
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewNotificationLog(0)
	}
	if deps.Navigator == nil {
		deps.Navigator = &RedirectRecorder{}
	}
	opts = opts.withDefaults()

	return &Synchronizer{
		deps:    deps,
		opts:    opts,
		log:     deps.Logger,
		metrics: deps.Metrics,
		state:   State{Loading: true, Online: deps.Network.Online()},
		ids:     newIDSource(),
		subs:    make(map[int]chan State),
	}, nil
}

// Start seeds the state from the last known session and begins observing
// identity and network changes. Calling Start twice has no effect.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.seed(runCtx)

	unNetwork := s.deps.Network.Subscribe(s.handleNetwork)
	unIdentity := s.deps.Identity.Observe(func(p *identity.Principal) {
		// A newer event is already queued when the provider has moved on.
		if !samePrincipal(p, s.deps.Identity.Current()) {
			return
		}
		s.handleIdentity(runCtx, p)
	})

	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe, unNetwork, unIdentity)
	s.mu.Unlock()
}

// Close stops observation, the token refresh loop and in-flight runs, then
// closes subscriber channels.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.refreshStop != nil {
		close(s.refreshStop)
		s.refreshStop = nil
	}
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	s.wg.Wait()

	s.pubMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.pubMu.Unlock()
}

func (s *Synchronizer) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe returns a channel carrying the latest state. A slow reader skips
// intermediate states and always observes the newest one.
func (s *Synchronizer) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- s.Current()

	s.pubMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.pubMu.Unlock()

	return ch, func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub)
			delete(s.subs, id)
		}
	}
}

func (s *Synchronizer) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	st := s.Current()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// begin starts a new run. Results of older runs are discarded from now on.
func (s *Synchronizer) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.seq
}

// commit applies fn when seq is still the newest run.
func (s *Synchronizer) commit(seq uint64, fn func(st *State)) bool {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return false
	}
	fn(&s.state)
	if !s.state.Loading && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	active := s.state.Profile != nil
	s.mu.Unlock()

	s.syncRefresh(active)
	s.publish()
	return true
}

func (s *Synchronizer) armTimeoutLocked(seq uint64) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.LoadTimeout, func() {
		s.mu.Lock()
		expired := seq == s.seq && s.state.Loading
		if expired {
			s.state.Loading = false
			s.state.Initialized = true
		}
		s.mu.Unlock()
		if expired {
			s.log.Warn("session load timed out, releasing loading state", zap.Duration("timeout", s.opts.LoadTimeout))
			s.publish()
		}
	})
}

// spawn runs fn in a tracked goroutine unless the synchronizer is closed.
// Close marks closed under s.mu before waiting, so the check and the wg.Add
// happen under the same lock.
func (s *Synchronizer) spawn(ctx context.Context, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func samePrincipal(a, b *identity.Principal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UID == b.UID
}

func (s *Synchronizer) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Synchronizer) online() bool {
	return s.deps.Network.Online()
}

// handleIdentity runs the session state machine for one identity event. The
// cache phase completes before it returns; the remote phase runs in the
// background.
func (s *Synchronizer) handleIdentity(ctx context.Context, p *identity.Principal) {
	if ctx.Err() != nil {
		return
	}
	if p == nil {
		s.handleSignedOut(ctx)
		return
	}

	online := s.online()

	s.mu.Lock()
	s.seq++
	seq := s.seq
	first := !s.loadedOnce
	cold := first || s.state.Profile == nil || s.state.Profile.ID != p.UID
	s.state.Loading = true
	s.state.Err = nil
	s.state.Online = online
	s.state.Initialized = true
	s.armTimeoutLocked(seq)
	s.mu.Unlock()
	s.publish()

	var cached *profile.Profile
	if cold {
		cached = s.cachedProfile(ctx, p.UID)
		if cached != nil && cached.OnboardingKnown() && (first || !online) {
			emitted := cached.Clone()
			if s.commit(seq, func(st *State) {
				st.Profile = &emitted
				st.Loading = online
			}) {
				s.metrics.reconciles.WithLabelValues(sourceCache).Inc()
			}
		}
	}

	if !online {
		s.finishOffline(ctx, seq, p, cached)
		return
	}

	s.spawn(ctx, func() { s.reconcile(ctx, seq, p, cached) })
}

func (s *Synchronizer) handleSignedOut(ctx context.Context) {
	seq := s.begin()
	s.commit(seq, func(st *State) {
		st.Profile = nil
		st.Loading = false
		st.Initialized = true
	})
	s.mu.Lock()
	s.loadedOnce = true
	s.mu.Unlock()
	s.purge(ctx)
}

// finishOffline settles a run without contacting the profile store.
func (s *Synchronizer) finishOffline(ctx context.Context, seq uint64, p *identity.Principal, cached *profile.Profile) {
	s.mu.Lock()
	var current *profile.Profile
	if s.state.Profile != nil && s.state.Profile.ID == p.UID {
		c := s.state.Profile.Clone()
		current = &c
	}
	s.mu.Unlock()

	var result profile.Profile
	source := sourceCache
	switch {
	case cached != nil && cached.OnboardingKnown():
		result = *cached
	case current != nil && current.OnboardingKnown():
		result = *current
	case cached != nil:
		result = s.fillFromKeys(ctx, *cached)
	default:
		result = s.fillFromKeys(ctx, s.unknownDefault(p))
		source = sourceDefault
	}

	if s.commit(seq, func(st *State) {
		st.Profile = &result
		st.Loading = false
	}) {
		s.metrics.reconciles.WithLabelValues(source).Inc()
		s.writeProfileCache(ctx, result)
	}
	s.markLoaded()
}

func (s *Synchronizer) reconcile(ctx context.Context, seq uint64, p *identity.Principal, cached *profile.Profile) {
	result, source := s.resolve(ctx, p, cached)
	if s.commit(seq, func(st *State) {
		st.Profile = &result
		st.Loading = false
	}) {
		s.metrics.reconciles.WithLabelValues(source).Inc()
		s.writeTiers(ctx, result, source == sourceRemote)
	}
	s.markLoaded()
}

// resolve fetches the remote profile and applies the onboarding tie-break.
// Fetch failures fall back to the cached profile, then to a default.
func (s *Synchronizer) resolve(ctx context.Context, p *identity.Principal, cached *profile.Profile) (profile.Profile, string) {
	remote, found, err := s.fetch(ctx, p)
	if err != nil {
		s.log.Warn("profile fetch failed, using local fallback", zap.String("uid", p.UID), zap.Error(err))
		if cached != nil {
			return s.fillFromKeys(ctx, *cached), sourceFallback
		}
		if current := s.currentFor(p.UID); current != nil && current.OnboardingKnown() {
			return *current, sourceFallback
		}
		return s.fillFromKeys(ctx, s.unknownDefault(p)), sourceDefault
	}

	if !found {
		remote = s.unknownDefault(p)
	}
	if !remote.OnboardingKnown() && cached != nil && cached.OnboardingKnown() {
		remote.OnboardingCompleted = profile.Bool(*cached.OnboardingCompleted)
	}
	return s.fillFromKeys(ctx, remote), sourceRemote
}

type fetchResult struct {
	fields map[string]any
	found  bool
}

func (s *Synchronizer) fetch(ctx context.Context, p *identity.Principal) (profile.Profile, bool, error) {
	v, err, _ := s.fetches.Do(p.UID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()
		fields, found, err := s.deps.Profiles.ReadDocument(fetchCtx, profile.Collection, p.UID)
		if err != nil {
			return nil, &ProfileSyncError{Op: "read", UserID: p.UID, Err: err}
		}
		return fetchResult{fields: fields, found: found}, nil
	})
	if err != nil {
		return profile.Profile{}, false, err
	}

	res := v.(fetchResult)
	if !res.found {
		return profile.Profile{}, false, nil
	}
	remote := profile.FromDocument(p.UID, p.Email, p.DisplayName, res.fields)
	if p.Email != "" {
		remote.Email = p.Email
	}
	if p.DisplayName != "" {
		remote.Name = p.DisplayName
	}
	return remote, true, nil
}

// unknownDefault is the default profile with the onboarding flag left unknown
// so cached values can still fill it in.
func (s *Synchronizer) unknownDefault(p *identity.Principal) profile.Profile {
	d := profile.Default(p.UID, p.Email, p.DisplayName, s.now())
	d.OnboardingCompleted = nil
	return d
}

func (s *Synchronizer) currentFor(uid string) *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Profile == nil || s.state.Profile.ID != uid {
		return nil
	}
	c := s.state.Profile.Clone()
	return &c
}

func (s *Synchronizer) markLoaded() {
	s.mu.Lock()
	s.loadedOnce = true
	s.mu.Unlock()
}

func (s *Synchronizer) handleNetwork(online bool) {
	s.mu.Lock()
	s.state.Online = online
	ctx := s.ctx
	s.mu.Unlock()
	s.publish()

	if !online {
		s.deps.Notifier.Notify(Notification{
			Title:   "You're offline",
			Message: "Some features may be limited",
			Level:   "warning",
			Time:    s.now(),
		})
		return
	}

	s.deps.Notifier.Notify(Notification{
		Title:   "You're back online",
		Message: "Connected to our servers",
		Level:   "success",
		Time:    s.now(),
	})
	if ctx == nil {
		return
	}
	s.spawn(ctx, func() { s.onReconnect(ctx) })
}

func (s *Synchronizer) onReconnect(ctx context.Context) {
	p := s.deps.Identity.Current()
	if p == nil {
		return
	}
	if n, err := s.ReplayPending(ctx, p.UID); err != nil {
		s.log.Warn("pending profile replay stopped", zap.String("uid", p.UID), zap.Int("replayed", n), zap.Error(err))
	} else if n > 0 {
		s.log.Info("pending profile updates replayed", zap.String("uid", p.UID), zap.Int("replayed", n))
	}
	s.handleIdentity(ctx, p)
}
