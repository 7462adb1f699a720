// Package runtime tracks the installation lifecycle level of the CMS.
// The authentication layer consults it to decide whether a request can be
// authenticated at all (no user store exists before install completes).
package runtime

import "sync"

// Level is the coarse lifecycle state of the installation.
type Level int

const (
	// LevelBoot is the state before the runtime has determined anything.
	LevelBoot Level = iota
	// LevelInstall means no database/schema exists yet.
	LevelInstall
	// LevelUpgrade means the schema exists but is behind the binary version.
	// Authentication still works in this state.
	LevelUpgrade
	// LevelRun is the normal operating state.
	LevelRun
)

func (l Level) String() string {
	switch l {
	case LevelInstall:
		return "install"
	case LevelUpgrade:
		return "upgrade"
	case LevelRun:
		return "run"
	default:
		return "boot"
	}
}

// State is a concurrency-safe holder for the current lifecycle level.
type State struct {
	mu    sync.RWMutex
	level Level
}

// NewState returns a State at the given initial level.
func NewState(level Level) *State {
	return &State{level: level}
}

// Level returns the current lifecycle level.
func (s *State) Level() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Set transitions the runtime to a new level.
func (s *State) Set(level Level) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}
