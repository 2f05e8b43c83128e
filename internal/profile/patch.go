package profile

import (
	"time"
)

// Patch is a partial profile update. Nil fields are absent; a non-nil empty
// Goals slice clears the goals.
type Patch struct {
	Name                *string    `json:"name,omitempty"`
	OnboardingCompleted *bool      `json:"onboardingCompleted,omitempty"`
	Disorder            *string    `json:"disorder,omitempty"`
	Goals               []string   `json:"goals,omitempty"`
	LastActivity        *time.Time `json:"lastActivity,omitempty"`
	MoodEntries         *int       `json:"moodEntries,omitempty"`
	ProgressMetrics     *Progress  `json:"progressMetrics,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.Name == nil &&
		p.OnboardingCompleted == nil &&
		p.Disorder == nil &&
		p.Goals == nil &&
		p.LastActivity == nil &&
		p.MoodEntries == nil &&
		p.ProgressMetrics == nil
}

// Fields renders the patch as profile store document fields.
func (p Patch) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.OnboardingCompleted != nil {
		fields["onboardingCompleted"] = *p.OnboardingCompleted
	}
	if p.Disorder != nil {
		fields["disorder"] = *p.Disorder
	}
	if p.Goals != nil {
		goals := make([]any, len(p.Goals))
		for i, goal := range p.Goals {
			goals[i] = goal
		}
		fields["goals"] = goals
	}
	if p.LastActivity != nil {
		fields["lastActivity"] = formatTime(*p.LastActivity)
	}
	if p.MoodEntries != nil {
		fields["moodEntries"] = *p.MoodEntries
	}
	if p.ProgressMetrics != nil {
		fields["progressMetrics"] = progressFields(*p.ProgressMetrics)
	}
	return fields
}
