package session

import (
	"context"
	"time"

	"recoveryjourney/api/internal/identity"
	"recoveryjourney/api/internal/profile"

	"go.uber.org/zap"
)

// Login signs in with email and password. A placeholder profile is shown
// while the stored profile is read; the reconciled profile is returned.
func (s *Synchronizer) Login(ctx context.Context, email, password string) (profile.Profile, error) {
	if !s.online() {
		return profile.Profile{}, s.fail(&OfflineError{Op: "login"})
	}
	s.startOperation()

	p, err := s.deps.Identity.Authenticate(ctx, email, password)
	if err != nil {
		return profile.Profile{}, s.fail(err)
	}

	cached := s.cachedProfile(ctx, p.UID)
	seq := s.begin()
	placeholder := profile.Default(p.UID, p.Email, p.DisplayName, s.now())
	s.commit(seq, func(st *State) {
		st.Profile = &placeholder
		st.Loading = true
	})
	// The placeholder is only the signed-in alias; user_<uid> keeps the last
	// reconciled profile.
	s.writeAuthUser(ctx, placeholder)

	result, source := s.resolve(ctx, p, cached)
	s.settle(ctx, seq, result, source)
	s.log.Info("login succeeded", zap.String("uid", p.UID))
	return result, nil
}

// Register creates an account and its initial profile document, then sends
// the client to onboarding.
func (s *Synchronizer) Register(ctx context.Context, email, password, name string) error {
	if !s.online() {
		return s.fail(&OfflineError{Op: "register"})
	}
	s.startOperation()

	p, err := s.deps.Identity.CreateAccount(ctx, email, password)
	if err != nil {
		return s.fail(err)
	}
	if err := s.deps.Identity.UpdateDisplayName(ctx, name); err != nil {
		s.log.Warn("set display name", zap.String("uid", p.UID), zap.Error(err))
	}

	doc := profile.InitialDocument(p.Email, name, s.now())
	source := sourceRemote
	if err := s.deps.Profiles.WriteDocument(ctx, profile.Collection, p.UID, doc, false); err != nil {
		s.reportSyncError(ctx, &ProfileSyncError{Op: "create", UserID: p.UID, Err: err}, doc)
		source = sourceDefault
	}

	created := profile.FromDocument(p.UID, p.Email, name, doc)
	seq := s.begin()
	s.settle(ctx, seq, created, source)

	s.deps.Navigator.Redirect(s.opts.OnboardingPath)
	s.log.Info("registration succeeded", zap.String("uid", p.UID))
	return nil
}

// LoginWithFederated signs in through a federated flow. The profile document
// is created on first sign-in. On failure the current profile is untouched.
func (s *Synchronizer) LoginWithFederated(ctx context.Context, flow identity.Flow) (profile.Profile, error) {
	if !s.online() {
		return profile.Profile{}, s.fail(&OfflineError{Op: "federated_login"})
	}
	s.startOperation()

	p, err := s.deps.Identity.AuthenticateFederated(ctx, flow)
	if err != nil {
		return profile.Profile{}, s.fail(err)
	}

	_, exists, err := s.deps.Profiles.ReadDocument(ctx, profile.Collection, p.UID)
	switch {
	case err != nil:
		s.log.Warn("check profile document", zap.String("uid", p.UID), zap.Error(err))
	case !exists:
		doc := profile.InitialDocument(p.Email, p.DisplayName, s.now())
		if err := s.deps.Profiles.WriteDocument(ctx, profile.Collection, p.UID, doc, false); err != nil {
			s.reportSyncError(ctx, &ProfileSyncError{Op: "create", UserID: p.UID, Err: err}, doc)
		}
	}

	result, source := s.resolve(ctx, p, s.cachedProfile(ctx, p.UID))
	seq := s.begin()
	s.settle(ctx, seq, result, source)
	s.log.Info("federated login succeeded", zap.String("uid", p.UID))
	return result, nil
}

// Logout signs out and removes every cached per-user entry. When the identity
// provider fails the session is left as it was.
func (s *Synchronizer) Logout(ctx context.Context) error {
	if err := s.deps.Identity.SignOut(ctx); err != nil {
		s.log.Error("sign out", zap.Error(err))
		return s.fail(err)
	}

	seq := s.begin()
	s.commit(seq, func(st *State) {
		st.Profile = nil
		st.Loading = false
		st.Err = nil
	})
	s.purge(ctx)
	return nil
}

// UpdateProfile applies patch to the in-memory profile immediately. Offline,
// the update is queued for replay. Online, it is written to the profile
// store; a failed write is reported as a notification and queued, and the
// local state is kept.
func (s *Synchronizer) UpdateProfile(ctx context.Context, patch profile.Patch) error {
	s.mu.Lock()
	if s.state.Profile == nil {
		s.mu.Unlock()
		return ErrNoProfile
	}
	updated := s.state.Profile.Apply(patch)
	s.mu.Unlock()

	seq := s.begin()
	s.commit(seq, func(st *State) {
		st.Profile = &updated
		st.Err = nil
	})
	s.writeProfileCache(ctx, updated)

	if patch.Empty() {
		return nil
	}
	fields := patch.Fields()

	if !s.online() {
		s.enqueue(ctx, updated.ID, fields)
		s.persistCritical(ctx, updated.ID, patch)
		s.log.Info("offline profile update queued", zap.String("uid", updated.ID))
		return nil
	}

	if patch.Name != nil {
		if err := s.deps.Identity.UpdateDisplayName(ctx, *patch.Name); err != nil {
			s.log.Warn("update display name", zap.String("uid", updated.ID), zap.Error(err))
		}
	}

	if err := s.writeUpdate(ctx, updated, fields); err != nil {
		s.reportSyncError(ctx, &ProfileSyncError{Op: "update", UserID: updated.ID, Err: err}, fields)
		return nil
	}
	s.writeTiers(ctx, updated, false)
	return nil
}

// writeUpdate merges fields into an existing document or creates the
// document from the current profile.
func (s *Synchronizer) writeUpdate(ctx context.Context, current profile.Profile, fields map[string]any) error {
	_, exists, err := s.deps.Profiles.ReadDocument(ctx, profile.Collection, current.ID)
	if err != nil {
		return err
	}
	if exists {
		return s.deps.Profiles.WriteDocument(ctx, profile.Collection, current.ID, fields, true)
	}

	doc := current.Document()
	if current.RegistrationDate.IsZero() {
		doc["createdAt"] = s.now().Format(time.RFC3339)
	}
	doc["lastActivity"] = s.now().Format(time.RFC3339)
	for k, v := range fields {
		doc[k] = v
	}
	return s.deps.Profiles.WriteDocument(ctx, profile.Collection, current.ID, doc, false)
}

// reportSyncError notifies the user and queues fields for replay.
func (s *Synchronizer) reportSyncError(ctx context.Context, err *ProfileSyncError, fields map[string]any) {
	s.log.Warn("profile sync failed", zap.Error(err))
	s.deps.Notifier.Notify(Notification{
		Title:   "Offline mode",
		Message: "Your changes are saved locally and will sync when you're back online.",
		Level:   "info",
		Time:    s.now(),
	})
	s.enqueue(ctx, err.UserID, fields)
}

func (s *Synchronizer) settle(ctx context.Context, seq uint64, result profile.Profile, source string) {
	if s.commit(seq, func(st *State) {
		st.Profile = &result
		st.Loading = false
		st.Err = nil
		st.Initialized = true
	}) {
		s.metrics.reconciles.WithLabelValues(source).Inc()
		s.writeTiers(ctx, result, source == sourceRemote)
	}
	s.markLoaded()
}

func (s *Synchronizer) startOperation() {
	s.mu.Lock()
	s.state.Loading = true
	s.state.Err = nil
	s.mu.Unlock()
	s.publish()
}

// fail records err as the session error and releases the loading state. The
// profile is left untouched.
func (s *Synchronizer) fail(err error) error {
	s.mu.Lock()
	s.state.Err = err
	s.state.Loading = false
	s.mu.Unlock()
	s.publish()
	return err
}
