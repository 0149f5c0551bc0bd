// Package server implements the server side of the recbridge protocol:
// the shared analytics state, per-connection sessions and the hub that
// tracks them.
package server

import (
	"fmt"
	"sync"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/pkg/protocol"
)

// PreferenceLastRecommended is stored for a user after they are sent recommendations
const PreferenceLastRecommended = "last_recommended"

// AnalyticRecord is one recorded analytic event with the running count at
// the time it was recorded
type AnalyticRecord struct {
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Count    int            `json:"count"`
}

// StateDump is the state snapshot returned by the HTTP API
type StateDump struct {
	AnalyticsCount  int               `json:"analytics_count"`
	UserPreferences map[string]string `json:"user_preferences"`
	RecentAnalytics []AnalyticRecord  `json:"recent_analytics"`
}

// State holds the analytics count, user preferences and event history
// shared by every session and the HTTP API
type State struct {
	mu           sync.RWMutex
	count        int
	preferences  map[string]string
	history      []AnalyticRecord
	historyLimit int
}

// NewState creates an empty state keeping at most historyLimit events
func NewState(historyLimit int) *State {
	if historyLimit <= 0 {
		historyLimit = config.DefaultHistoryLimit
	}
	return &State{
		preferences:  make(map[string]string),
		history:      make([]AnalyticRecord, 0),
		historyLimit: historyLimit,
	}
}

// RecordEvent increments the analytics count, appends ev to the history
// and returns the new count
func (s *State) RecordEvent(ev protocol.AnalyticEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.history = append(s.history, AnalyticRecord{
		Action:   ev.Action,
		Target:   ev.Target,
		Metadata: ev.Metadata,
		Count:    s.count,
	})
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	return s.count
}

// SetPreference stores a preference value for a user
func (s *State) SetPreference(userID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[userID] = value
}

// Preference returns the stored preference for a user
func (s *State) Preference(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.preferences[userID]
	return v, ok
}

// Count returns the analytics count
func (s *State) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Snapshot returns a copy of the state carried by save_state pushes
func (s *State) Snapshot() protocol.StateData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.StateData{
		AnalyticsCount:  s.count,
		UserPreferences: s.copyPreferences(),
	}
}

// Dump returns the state with the last recent analytic events
func (s *State) Dump(recent int) StateDump {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if recent >= 0 && len(s.history) > recent {
		start = len(s.history) - recent
	}
	records := make([]AnalyticRecord, len(s.history)-start)
	copy(records, s.history[start:])

	return StateDump{
		AnalyticsCount:  s.count,
		UserPreferences: s.copyPreferences(),
		RecentAnalytics: records,
	}
}

// Reset clears the count, preferences and history
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.preferences = make(map[string]string)
	s.history = make([]AnalyticRecord, 0)
}

// String returns a string representation of the state
func (s *State) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("State{AnalyticsCount: %d, Users: %d, History: %d}", s.count, len(s.preferences), len(s.history))
}

// copyPreferences must be called with mu held
func (s *State) copyPreferences() map[string]string {
	prefs := make(map[string]string, len(s.preferences))
	for k, v := range s.preferences {
		prefs[k] = v
	}
	return prefs
}
