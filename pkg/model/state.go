package model

import (
	"fmt"
	"time"
)

// Mood is the coarse disposition of a persona. It is always derived from
// energy, queue depth and recent overwhelm, never assigned.
type Mood string

const (
	MoodIdle        Mood = "idle"
	MoodActive      Mood = "active"
	MoodTired       Mood = "tired"
	MoodOverwhelmed Mood = "overwhelmed"
)

// Moods lists every mood in order of increasing strain.
func Moods() []Mood {
	return []Mood{MoodIdle, MoodActive, MoodTired, MoodOverwhelmed}
}

// ParseMood converts a string to a Mood.
func ParseMood(s string) (Mood, error) {
	for _, m := range Moods() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mood %q", s)
}

// PersonaState is a point-in-time view of one persona's duty-cycle budget.
type PersonaState struct {
	Energy         float64   `json:"energy"`
	Attention      float64   `json:"attention"`
	Mood           Mood      `json:"mood"`
	QueueDepth     int       `json:"queue_depth"`
	OverwhelmCount int       `json:"overwhelm_count"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	LastRestAt     time.Time `json:"last_rest_at,omitzero"`
}
