package clock

import (
	"sync"
	"time"
)

// Scheduler manages named one-shot tasks supporting reschedule and cancel.
// Scheduling a task under an id that is already pending replaces the pending
// task, which gives callers debounce semantics for free.
type Scheduler interface {
	Schedule(id string, delay time.Duration, fn func())
	Cancel(id string)
	CancelPrefix(prefix string)
	CancelAll()
}

// TimerScheduler is a Scheduler backed by runtime timers.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTimerScheduler constructs a timer-backed scheduler.
func NewTimerScheduler() *TimerScheduler {
	s := new(TimerScheduler)
	s.timers = make(map[string]*time.Timer)
	return s
}

// Schedule arms fn to run after delay, replacing any pending task with the same id.
func (s *TimerScheduler) Schedule(id string, delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

// Cancel stops the pending task with the given id, if any.
func (s *TimerScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// CancelPrefix stops every pending task whose id starts with prefix.
func (s *TimerScheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// CancelAll stops every pending task.
func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Close cancels all pending tasks and rejects further scheduling.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ManualScheduler records tasks without arming timers so tests can fire them
// deterministically.
type ManualScheduler struct {
	mu    sync.Mutex
	tasks map[string]manualTask
}

type manualTask struct {
	delay time.Duration
	fn    func()
}

// NewManualScheduler constructs a scheduler driven explicitly by the caller.
func NewManualScheduler() *ManualScheduler {
	s := new(ManualScheduler)
	s.tasks = make(map[string]manualTask)
	return s
}

// Schedule records fn under id, replacing any pending task with the same id.
func (s *ManualScheduler) Schedule(id string, delay time.Duration, fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.tasks[id] = manualTask{delay: delay, fn: fn}
	s.mu.Unlock()
}

// Cancel removes the pending task with the given id.
func (s *ManualScheduler) Cancel(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// CancelPrefix removes every pending task whose id starts with prefix.
func (s *ManualScheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tasks {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			delete(s.tasks, id)
		}
	}
}

// CancelAll removes every pending task.
func (s *ManualScheduler) CancelAll() {
	s.mu.Lock()
	s.tasks = make(map[string]manualTask)
	s.mu.Unlock()
}

// Pending reports whether a task is recorded under id.
func (s *ManualScheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Delay returns the recorded delay for the task under id.
func (s *ManualScheduler) Delay(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task.delay, ok
}

// Fire runs and removes the task recorded under id.
func (s *ManualScheduler) Fire(id string) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	task.fn()
	return true
}

// PendingIDs returns the ids of all recorded tasks.
func (s *ManualScheduler) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}
