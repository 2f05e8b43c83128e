package session

// Local cache keys. Per-user keys are suffixed with the user id; the session
// aliases hold the most recent user's values.
const (
	keyAuthUser           = "authUser"
	keyOnboardingComplete = "userOnboardingComplete"
	keyDisorder           = "userDisorder"
	keyGoals              = "userGoals"
	keyPendingUpdates     = "pendingProfileUpdates"

	prefixUser       = "user_"
	prefixOnboarding = "onboarding_"
	prefixDisorder   = "disorder_"
	prefixGoals      = "goals_"
	prefixLastFetch  = "lastFetch_"
)

var (
	purgePrefixes = []string{prefixUser, prefixOnboarding, prefixDisorder, prefixGoals, prefixLastFetch}
	purgeAliases  = []string{keyAuthUser, keyOnboardingComplete, keyDisorder, keyGoals}
)

// PurgePrefixes returns the per-user cache key prefixes removed on sign-out.
func PurgePrefixes() []string {
	return append([]string{}, purgePrefixes...)
}

// PurgeAliases returns the session-level cache keys removed on sign-out.
func PurgeAliases() []string {
	return append([]string{}, purgeAliases...)
}

func userKey(uid string) string       { return prefixUser + uid }
func onboardingKey(uid string) string { return prefixOnboarding + uid }
func disorderKey(uid string) string   { return prefixDisorder + uid }
func goalsKey(uid string) string      { return prefixGoals + uid }
func lastFetchKey(uid string) string  { return prefixLastFetch + uid }
