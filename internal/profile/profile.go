// Package profile defines the reconciled application-level user record and
// its conversion to and from untyped profile store documents.
package profile

import (
	"time"
)

// Collection is the profile store collection holding user documents.
const Collection = "users"

// Progress holds the user's recovery progress counters.
type Progress struct {
	CompletedGoals int       `json:"completedGoals"`
	TotalGoals     int       `json:"totalGoals"`
	StreakDays     int       `json:"streakDays"`
	LastActiveDate time.Time `json:"lastActiveDate"`
}

// Profile is the reconciled user record. OnboardingCompleted is nil until the
// value is known from the profile store or an explicit cache entry.
type Profile struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	OnboardingCompleted *bool     `json:"onboardingCompleted,omitempty"`
	Disorder            string    `json:"disorder,omitempty"`
	Goals               []string  `json:"goals,omitempty"`
	RegistrationDate    time.Time `json:"registrationDate"`
	LastActivity        time.Time `json:"lastActivity"`
	MoodEntries         int       `json:"moodEntries"`
	ProgressMetrics     Progress  `json:"progressMetrics"`
}

// Default builds the placeholder profile used whenever nothing better is
// known: onboarding not completed, zeroed metrics.
func Default(id, email, name string, now time.Time) Profile {
	now = now.UTC()
	return Profile{
		ID:                  id,
		Email:               email,
		Name:                name,
		OnboardingCompleted: Bool(false),
		Goals:               []string{},
		RegistrationDate:    now,
		LastActivity:        now,
		ProgressMetrics: Progress{
			LastActiveDate: now,
		},
	}
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

// OnboardingKnown reports whether the onboarding flag has an explicit value.
func (p Profile) OnboardingKnown() bool {
	return p.OnboardingCompleted != nil
}

// Onboarded reports whether onboarding is explicitly completed.
func (p Profile) Onboarded() bool {
	return p.OnboardingCompleted != nil && *p.OnboardingCompleted
}

// Clone returns a deep copy so callers never share slices or flag pointers.
func (p Profile) Clone() Profile {
	out := p
	if p.OnboardingCompleted != nil {
		out.OnboardingCompleted = Bool(*p.OnboardingCompleted)
	}
	if p.Goals != nil {
		out.Goals = append([]string{}, p.Goals...)
	}
	return out
}

// Apply returns a copy of p with every field present in patch overwritten.
func (p Profile) Apply(patch Patch) Profile {
	out := p.Clone()
	if patch.Name != nil {
		out.Name = *patch.Name
	}
	if patch.OnboardingCompleted != nil {
		out.OnboardingCompleted = Bool(*patch.OnboardingCompleted)
	}
	if patch.Disorder != nil {
		out.Disorder = *patch.Disorder
	}
	if patch.Goals != nil {
		out.Goals = append([]string{}, patch.Goals...)
	}
	if patch.LastActivity != nil {
		out.LastActivity = patch.LastActivity.UTC()
	}
	if patch.MoodEntries != nil {
		out.MoodEntries = *patch.MoodEntries
	}
	if patch.ProgressMetrics != nil {
		out.ProgressMetrics = *patch.ProgressMetrics
	}
	return out
}
