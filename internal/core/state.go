package core

import (
	"sync"

	"adastrip-controller/internal/colormath"
)

// AppState is the persisted, externally visible light state. Color is the base
// color before brightness is applied.
type AppState struct {
	Color      colormath.Color `json:"color"`
	Brightness int             `json:"brightness"`
	On         bool            `json:"on"`
}

// DefaultAppState is used when nothing has been persisted yet.
func DefaultAppState() AppState {
	return AppState{
		Color:      colormath.Color{R: 255, G: 255, B: 255},
		Brightness: 100,
		On:         true,
	}
}

// Rendered returns the color the strip should show for this state.
func (s AppState) Rendered() colormath.Color {
	if !s.On {
		return colormath.Black
	}
	return colormath.ApplyBrightness(s.Color, s.Brightness)
}

// State holds the single source of truth for the light and the link status.
type State struct {
	mu          sync.RWMutex
	app         AppState
	isConnected bool
	pattern     string
}

// NewState creates a State seeded with app.
func NewState(app AppState) *State {
	return &State{app: app}
}

// App returns a snapshot of the application state.
func (s *State) App() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app
}

// Update applies fn to the application state under the lock and returns the
// previous and new values.
func (s *State) Update(fn func(*AppState)) (before, after AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = s.app
	fn(&s.app)
	return before, s.app
}

// SetConnection updates the device link status.
func (s *State) SetConnection(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConnected = connected
}

// IsConnected reports the last known device link status.
func (s *State) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

// SetRunningPattern records the running Lua pattern, empty when idle.
func (s *State) SetRunningPattern(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pattern = name
}

// RunningPattern returns the running Lua pattern name.
func (s *State) RunningPattern() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pattern
}
