package editor

import (
	"sync"

	"sitepress/api/internal/settings"
)

type EventKind string

const (
	EventLoaded       EventKind = "loaded"
	EventChanged      EventKind = "changed"
	EventSaved        EventKind = "saved"
	EventStageChanged EventKind = "stage_changed"
	EventLockChanged  EventKind = "lock_changed"
)

// Event is delivered to subscribers after the session state changed.
// Document is a private copy.
type Event struct {
	Kind      EventKind
	Stage     settings.Stage
	Document  settings.Document
	Dirty     bool
	LockState LockState
	Lock      *settings.Lock
	Err       error
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) emit(event Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}
