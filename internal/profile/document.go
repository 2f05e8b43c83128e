package profile

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// FromDocument converts an untyped profile store document into a Profile.
// Identity values fill in when the document lacks them. A document without an
// onboardingCompleted boolean yields an unknown flag.
func FromDocument(id, email, name string, fields map[string]any) Profile {
	p := Profile{
		ID:    id,
		Email: stringField(fields, "email", email),
		Name:  stringField(fields, "name", name),
		Goals: []string{},
	}
	if v, ok := fields["onboardingCompleted"].(bool); ok {
		p.OnboardingCompleted = Bool(v)
	}
	p.Disorder = stringField(fields, "disorder", "")
	if goals, ok := stringsField(fields, "goals"); ok {
		p.Goals = goals
	}
	p.RegistrationDate = timeField(fields, "createdAt")
	p.LastActivity = timeField(fields, "lastActivity")
	p.MoodEntries = intField(fields, "moodEntries")
	if p.MoodEntries < 0 {
		p.MoodEntries = 0
	}
	if metrics, ok := fields["progressMetrics"].(map[string]any); ok {
		p.ProgressMetrics = Progress{
			CompletedGoals: intField(metrics, "completedGoals"),
			TotalGoals:     intField(metrics, "totalGoals"),
			StreakDays:     intField(metrics, "streakDays"),
			LastActiveDate: timeField(metrics, "lastActiveDate"),
		}
	}
	return p
}

// Document renders the profile as profile store fields. An unknown onboarding
// flag is omitted rather than written as false.
func (p Profile) Document() map[string]any {
	goals := make([]any, len(p.Goals))
	for i, goal := range p.Goals {
		goals[i] = goal
	}
	doc := map[string]any{
		"email":           p.Email,
		"name":            p.Name,
		"goals":           goals,
		"createdAt":       formatTime(p.RegistrationDate),
		"lastActivity":    formatTime(p.LastActivity),
		"moodEntries":     p.MoodEntries,
		"progressMetrics": progressFields(p.ProgressMetrics),
	}
	if p.OnboardingCompleted != nil {
		doc["onboardingCompleted"] = *p.OnboardingCompleted
	}
	if p.Disorder != "" {
		doc["disorder"] = p.Disorder
	}
	return doc
}

// InitialDocument is the document written when an account is created.
func InitialDocument(email, name string, now time.Time) map[string]any {
	return Default("", email, name, now).Document()
}

func progressFields(m Progress) map[string]any {
	return map[string]any{
		"completedGoals": m.CompletedGoals,
		"totalGoals":     m.TotalGoals,
		"streakDays":     m.StreakDays,
		"lastActiveDate": formatTime(m.LastActiveDate),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stringField(fields map[string]any, key, fallback string) string {
	if v, ok := fields[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func stringsField(fields map[string]any, key string) ([]string, bool) {
	switch raw := fields[key].(type) {
	case []string:
		return append([]string{}, raw...), true
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// intField accepts the numeric shapes produced by JSON decoding and by
// in-process documents.
func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

func timeField(fields map[string]any, key string) time.Time {
	switch v := fields[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	default:
		return time.Time{}
	}
}
