package timer

import (
	"sync"
	"time"
)

// Scheduler arms one-shot expiry callbacks keyed by an opaque string.
// Re-arming a key replaces the previous timer; a disarmed timer never fires.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	t   *time.Timer
	gen uint64
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*entry)}
}

// Arm schedules fn after d. It returns false if the scheduler is stopped.
func (s *Scheduler) Arm(key string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if prev, ok := s.timers[key]; ok {
		prev.t.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{gen: gen}
	e.t = time.AfterFunc(d, func() {
		if !s.claim(key, gen) {
			return
		}
		fn()
	})
	s.timers[key] = e
	return true
}

// Disarm stops the timer for key. It reports whether a timer was pending.
func (s *Scheduler) Disarm(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(s.timers, key)
	return true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and rejects further Arm calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, e := range s.timers {
		e.t.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.timers, key)
	return true
}
