package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"recoveryjourney/api/internal/cache"
	"recoveryjourney/api/internal/profile"

	"go.uber.org/zap"
)

// seed shows the last known session user before the identity provider
// reports, so a returning client does not flash a signed-out state.
func (s *Synchronizer) seed(ctx context.Context) {
	p, ok := s.readProfile(ctx, keyAuthUser)
	if !ok || p.ID == "" {
		return
	}
	s.mu.Lock()
	if s.state.Profile == nil {
		s.state.Profile = &p
	}
	s.mu.Unlock()
	s.publish()
}

func (s *Synchronizer) cachedProfile(ctx context.Context, uid string) *profile.Profile {
	p, ok := s.readProfile(ctx, userKey(uid))
	if !ok || (p.ID != "" && p.ID != uid) {
		return nil
	}
	p.ID = uid
	return &p
}

func (s *Synchronizer) readProfile(ctx context.Context, key string) (profile.Profile, bool) {
	raw, ok := s.cacheGet(ctx, key)
	if !ok {
		return profile.Profile{}, false
	}
	var p profile.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.corrupt(key, err)
		return profile.Profile{}, false
	}
	return p, true
}

// onboardingFromKeys reads the individually stored onboarding flag, preferring
// the per-user key over the session alias.
func (s *Synchronizer) onboardingFromKeys(ctx context.Context, uid string) *bool {
	for _, key := range []string{onboardingKey(uid), keyOnboardingComplete} {
		raw, ok := s.cacheGet(ctx, key)
		if !ok {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.corrupt(key, err)
			continue
		}
		return profile.Bool(v)
	}
	return nil
}

// fillFromKeys completes p from the individually stored fields. An onboarding
// flag that is still unknown afterwards becomes false.
func (s *Synchronizer) fillFromKeys(ctx context.Context, p profile.Profile) profile.Profile {
	out := p.Clone()
	if !out.OnboardingKnown() {
		out.OnboardingCompleted = s.onboardingFromKeys(ctx, out.ID)
		if out.OnboardingCompleted == nil {
			out.OnboardingCompleted = profile.Bool(false)
		}
	}
	if out.Disorder == "" {
		if v, ok := s.cacheGet(ctx, disorderKey(out.ID)); ok {
			out.Disorder = v
		}
	}
	if len(out.Goals) == 0 {
		if raw, ok := s.cacheGet(ctx, goalsKey(out.ID)); ok {
			var goals []string
			if err := json.Unmarshal([]byte(raw), &goals); err != nil {
				s.corrupt(goalsKey(out.ID), err)
			} else {
				out.Goals = goals
			}
		}
	}
	return out
}

func (s *Synchronizer) writeProfileCache(ctx context.Context, p profile.Profile) {
	raw, ok := s.encodeProfile(p)
	if !ok {
		return
	}
	s.cacheSet(ctx, userKey(p.ID), raw)
	s.cacheSet(ctx, keyAuthUser, raw)
}

func (s *Synchronizer) writeAuthUser(ctx context.Context, p profile.Profile) {
	if raw, ok := s.encodeProfile(p); ok {
		s.cacheSet(ctx, keyAuthUser, raw)
	}
}

func (s *Synchronizer) encodeProfile(p profile.Profile) (string, bool) {
	raw, err := json.Marshal(p)
	if err != nil {
		s.log.Error("encode cached profile", zap.String("uid", p.ID), zap.Error(err))
		return "", false
	}
	return string(raw), true
}

// writeTiers overwrites every cache tier for p. fetched records the time of
// a successful remote read.
func (s *Synchronizer) writeTiers(ctx context.Context, p profile.Profile, fetched bool) {
	s.writeProfileCache(ctx, p)
	if p.OnboardingKnown() {
		flag := strconv.FormatBool(*p.OnboardingCompleted)
		s.cacheSet(ctx, keyOnboardingComplete, flag)
		s.cacheSet(ctx, onboardingKey(p.ID), flag)
	}
	if p.Disorder != "" {
		s.cacheSet(ctx, disorderKey(p.ID), p.Disorder)
	}
	if p.Goals != nil {
		if raw, err := json.Marshal(p.Goals); err == nil {
			s.cacheSet(ctx, goalsKey(p.ID), string(raw))
		}
	}
	if fetched {
		s.cacheSet(ctx, lastFetchKey(p.ID), s.now().Format(time.RFC3339))
	}
}

// persistCritical stores the high-value fields of an offline update under
// their own keys so they survive a corrupt or missing profile entry.
func (s *Synchronizer) persistCritical(ctx context.Context, uid string, patch profile.Patch) {
	if patch.OnboardingCompleted != nil {
		flag := strconv.FormatBool(*patch.OnboardingCompleted)
		s.cacheSet(ctx, onboardingKey(uid), flag)
		s.cacheSet(ctx, keyOnboardingComplete, flag)
	}
	if patch.Disorder != nil {
		s.cacheSet(ctx, disorderKey(uid), *patch.Disorder)
		s.cacheSet(ctx, keyDisorder, *patch.Disorder)
	}
	if patch.Goals != nil {
		if raw, err := json.Marshal(patch.Goals); err == nil {
			s.cacheSet(ctx, goalsKey(uid), string(raw))
			s.cacheSet(ctx, keyGoals, string(raw))
		}
	}
}

func (s *Synchronizer) purge(ctx context.Context) {
	removed, err := cache.RemovePrefixed(ctx, s.deps.Cache, purgePrefixes, purgeAliases)
	if err != nil {
		s.log.Error("clear cached session", zap.Int("removed", removed), zap.Error(err))
		return
	}
	s.log.Debug("cleared cached session", zap.Int("removed", removed))
}

func (s *Synchronizer) cacheGet(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}

func (s *Synchronizer) cacheSet(ctx context.Context, key, value string) {
	if err := s.deps.Cache.Set(ctx, key, value); err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Synchronizer) corrupt(key string, err error) {
	s.log.Warn("skipping cache entry", zap.Error(&CacheCorruptionError{Key: key, Err: err}))
}
