// Package mirror keeps the replica's view of the upstream package index:
// the serial at which every mirrored project last changed.
package mirror

import (
	"sync"

	"serialkv/internal/model"
)

// State is a concurrency-safe project→serial map.
type State struct {
	mu          sync.RWMutex
	name2serial model.NameSerials
}

func NewState() *State {
	return &State{name2serial: model.NameSerials{}}
}

// Set records serial for project, replacing any previous value.
func (s *State) Set(project string, serial int64) {
	s.mu.Lock()
	s.name2serial[project] = serial
	s.mu.Unlock()
}

func (s *State) Delete(project string) {
	s.mu.Lock()
	delete(s.name2serial, project)
	s.mu.Unlock()
}

func (s *State) Get(project string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	serial, ok := s.name2serial[project]
	return serial, ok
}

// Replace swaps in a complete snapshot.
func (s *State) Replace(m model.NameSerials) {
	cp := make(model.NameSerials, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.Lock()
	s.name2serial = cp
	s.mu.Unlock()
}

// Snapshot returns a copy of the current map.
func (s *State) Snapshot() model.NameSerials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(model.NameSerials, len(s.name2serial))
	for k, v := range s.name2serial {
		cp[k] = v
	}
	return cp
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.name2serial)
}
