// Package tpl provides the priority-raising critical section that guards
// the frame list, descriptor chains, the DMA pool and the periodic request
// list of one controller instance.
//
// A section is raised for the duration of a mutation and restored on every
// exit path by deferring the returned function:
//
//	defer c.section.Raise(tpl.Notify)()
//
// While raised, neither the periodic tick nor a caller on another goroutine
// can interleave with the holder.
package tpl

import (
	"sync"
	"sync/atomic"
)

// Level is an execution priority.
type Level uint8

// Execution priorities, lowest first.
const (
	Application Level = iota // Normal caller context
	Callback                 // Completion callbacks
	Notify                   // Schedule and descriptor mutation
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case Application:
		return "application"
	case Callback:
		return "callback"
	case Notify:
		return "notify"
	default:
		return "unknown"
	}
}

// Section is a scoped priority guard. The zero value is ready to use and
// runs at Application level.
type Section struct {
	mu    sync.Mutex
	level atomic.Uint32
}

// Raise raises the section to level and returns the function that restores
// the previous level. Raising is exclusive: a second raise blocks until the
// first is restored.
func (s *Section) Raise(level Level) (restore func()) {
	s.mu.Lock()
	prev := Level(s.level.Swap(uint32(level)))
	var once sync.Once
	return func() {
		once.Do(func() {
			s.level.Store(uint32(prev))
			s.mu.Unlock()
		})
	}
}

// Current returns the level the section is running at.
func (s *Section) Current() Level {
	return Level(s.level.Load())
}

// Raised reports whether the section is above Application level.
func (s *Section) Raised() bool {
	return s.Current() > Application
}
