package session

import (
	"sync"
	"time"

	"metro-timeline/internal/engine"
)

// ID uniquely identifies a playback session.
type ID string

// Session is one canvas with its own playback engine.
type Session struct {
	ID        ID
	CreatedAt time.Time
	Engine    *engine.Engine
	Closed    bool

	mu        sync.Mutex
	lastState *engine.StateEvent
	lastYear  *engine.YearEvent
}

// StateChanged implements engine.Observer.
func (s *Session) StateChanged(ev engine.StateEvent) {
	s.mu.Lock()
	s.lastState = &ev
	s.mu.Unlock()
}

// YearChanged implements engine.Observer.
func (s *Session) YearChanged(ev engine.YearEvent) {
	s.mu.Lock()
	s.lastYear = &ev
	s.mu.Unlock()
}

// LastEvents returns the most recent notifications, or nil if none arrived yet.
func (s *Session) LastEvents() (*engine.StateEvent, *engine.YearEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState, s.lastYear
}

// View is the JSON shape of a session returned by the API.
type View struct {
	ID         ID                 `json:"id"`
	CreatedAt  time.Time          `json:"createdAt"`
	State      engine.Snapshot    `json:"state"`
	LastChange *engine.StateEvent `json:"lastChange,omitempty"`
	LastYear   *engine.YearEvent  `json:"lastYear,omitempty"`
}

// View snapshots the session for presentation.
func (s *Session) View() View {
	st, yr := s.LastEvents()
	return View{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		State:      s.Engine.GetState(),
		LastChange: st,
		LastYear:   yr,
	}
}
