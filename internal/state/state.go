// Package state holds the session-scoped values every engine reads: the
// local user, the active conversation and whether initial data has loaded.
package state

import (
	"sync"

	"github.com/matheus3301/rtchat/internal/domain"
)

// State is shared by handle between the engines of one session.
type State struct {
	mu         sync.RWMutex
	self       domain.User
	active     string
	dataLoaded bool
}

// New creates a State for the local user.
func New(self domain.User) *State {
	return &State{self: self}
}

// Self returns the local user. The zero User means no one is signed in.
func (s *State) Self() domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// SetSelf replaces the local user.
func (s *State) SetSelf(u domain.User) {
	s.mu.Lock()
	s.self = u
	s.mu.Unlock()
}

// Active returns the id of the active conversation, or "".
func (s *State) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive switches the active conversation and returns the previous one.
func (s *State) SetActive(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	s.active = id
	return prev
}

// DataLoaded reports whether the first conversation refresh finished.
func (s *State) DataLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataLoaded
}

// SetDataLoaded records that the first conversation refresh finished.
func (s *State) SetDataLoaded(v bool) {
	s.mu.Lock()
	s.dataLoaded = v
	s.mu.Unlock()
}
