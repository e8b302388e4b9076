// Package timer owns every deferred transition firing: timeout
// transitions, delayed auto transitions and their restart-time
// rearming. Firings never mutate instances directly; they are handed
// back to the dispatcher through the FireFunc.
package timer

import (
	"sync"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/model"
)

// FireFunc is invoked when a scheduled transition comes due. It runs on a
// timer goroutine and must re-enter the dispatcher rather than mutate
// state itself.
type FireFunc func(instanceID string, transition *model.Transition)

// Pending describes one armed timer, as persisted into snapshots.
type Pending struct {
	State string    `json:"state"`
	Event string    `json:"event"`
	DueAt time.Time `json:"dueAt"`
}

type armed struct {
	transition *model.Transition
	dueAt      time.Time
	timer      *time.Timer
}

// Service schedules and cancels deferred firings. At most one timer is
// armed per instance, state and triggering event.
type Service struct {
	mu     sync.Mutex
	byInst map[string]map[string][]*armed // instanceID -> state -> timers
	fire   FireFunc
	logger core.Logger
	closed bool
}

// NewService creates a timer service delivering firings through fire.
func NewService(fire FireFunc, logger core.Logger) *Service {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Service{
		byInst: make(map[string]map[string][]*armed),
		fire:   fire,
		logger: logger,
	}
}

// Schedule arms a timer firing after delay.
func (s *Service) Schedule(instanceID, state string, t *model.Transition, delay time.Duration) {
	s.ScheduleAt(instanceID, state, t, time.Now().Add(delay))
}

// ScheduleAt arms a timer firing at dueAt. A dueAt in the past fires on
// the next tick. Rearming the same (instance, state, event) replaces the
// previous timer.
func (s *Service) ScheduleAt(instanceID, state string, t *model.Transition, dueAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.removeLocked(instanceID, state, t.Event)

	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}

	a := &armed{transition: t, dueAt: dueAt}
	a.timer = time.AfterFunc(delay, func() {
		s.onFire(instanceID, state, a)
	})

	states, ok := s.byInst[instanceID]
	if !ok {
		states = make(map[string][]*armed)
		s.byInst[instanceID] = states
	}
	states[state] = append(states[state], a)
}

func (s *Service) onFire(instanceID, state string, a *armed) {
	s.mu.Lock()
	if s.closed || !s.dropLocked(instanceID, state, a) {
		// Cancelled between firing and lock acquisition.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fire(instanceID, a.transition)
}

// Cancel disarms every timer for one instance-state.
func (s *Service) Cancel(instanceID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, ok := s.byInst[instanceID]
	if !ok {
		return
	}
	for _, a := range states[state] {
		a.timer.Stop()
	}
	delete(states, state)
	if len(states) == 0 {
		delete(s.byInst, instanceID)
	}
}

// CancelInstance disarms every timer for an instance (disposal path).
func (s *Service) CancelInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, timers := range s.byInst[instanceID] {
		for _, a := range timers {
			a.timer.Stop()
		}
	}
	delete(s.byInst, instanceID)
}

// Has reports whether a timer is armed for the given instance, state and
// triggering event. The dispatcher uses it to keep the original firing
// time across a self-loop.
func (s *Service) Has(instanceID, state, event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.byInst[instanceID][state] {
		if a.transition.Event == event {
			return true
		}
	}
	return false
}

// Pending returns the armed timers for an instance, for snapshotting.
func (s *Service) Pending(instanceID string) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pending
	for state, timers := range s.byInst[instanceID] {
		for _, a := range timers {
			out = append(out, Pending{State: state, Event: a.transition.Event, DueAt: a.dueAt})
		}
	}
	return out
}

// Close disarms everything and rejects further scheduling.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, states := range s.byInst {
		for _, timers := range states {
			for _, a := range timers {
				a.timer.Stop()
			}
		}
	}
	s.byInst = make(map[string]map[string][]*armed)
}

// removeLocked drops the armed timer matching (instance, state, event),
// stopping it first.
func (s *Service) removeLocked(instanceID, state, event string) {
	timers := s.byInst[instanceID][state]
	for i, a := range timers {
		if a.transition.Event == event {
			a.timer.Stop()
			s.byInst[instanceID][state] = append(timers[:i], timers[i+1:]...)
			return
		}
	}
}

// dropLocked removes a fired timer from the map; returns false when it was
// already cancelled.
func (s *Service) dropLocked(instanceID, state string, a *armed) bool {
	timers := s.byInst[instanceID][state]
	for i, cand := range timers {
		if cand == a {
			s.byInst[instanceID][state] = append(timers[:i], timers[i+1:]...)
			if len(s.byInst[instanceID][state]) == 0 {
				delete(s.byInst[instanceID], state)
				if len(s.byInst[instanceID]) == 0 {
					delete(s.byInst, instanceID)
				}
			}
			return true
		}
	}
	return false
}
