package engine

import (
	"sync"
	"time"
)

type timerKey struct {
	instanceID string
	taskID     int64
}

type pendingTimer struct {
	timer    *time.Timer
	canceled bool
	fired    bool
}

// TimerService schedules cancellable one-shot wakes at absolute times. A
// wake is delivered at most once; cancellation after firing is a no-op, and
// a fire racing a cancellation is swallowed so the loser of a first-of race
// never turns into a new history event.
type TimerService struct {
	mu     sync.Mutex
	clock  func() time.Time
	timers map[timerKey]*pendingTimer
}

// NewTimerService constructs a timer service using the real clock when now
// is nil.
func NewTimerService(now func() time.Time) *TimerService {
	if now == nil {
		now = time.Now
	}
	return &TimerService{
		clock:  now,
		timers: make(map[timerKey]*pendingTimer),
	}
}

// Schedule arms a wake for (instanceID, taskID) at fireAt, invoking fire on
// expiry. A fireAt in the past fires immediately; scheduling the same key
// twice is a no-op.
func (s *TimerService) Schedule(instanceID string, taskID int64, fireAt time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey{instanceID: instanceID, taskID: taskID}
	if _, exists := s.timers[key]; exists {
		return
	}

	pt := &pendingTimer{}
	s.timers[key] = pt

	delay := fireAt.Sub(s.clock())
	if delay < 0 {
		delay = 0
	}
	pt.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if pt.canceled || pt.fired {
			s.mu.Unlock()
			return
		}
		pt.fired = true
		delete(s.timers, key)
		s.mu.Unlock()
		fire()
	})
}

// Cancel stops a pending wake. Idempotent; canceling a fired or unknown
// timer is a no-op.
func (s *TimerService) Cancel(instanceID string, taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey{instanceID: instanceID, taskID: taskID}
	pt, ok := s.timers[key]
	if !ok {
		return
	}
	pt.canceled = true
	if pt.timer != nil {
		pt.timer.Stop()
	}
	delete(s.timers, key)
}

// CancelInstance drops every pending wake for an instance, used when the
// instance reaches a terminal state.
func (s *TimerService) CancelInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, pt := range s.timers {
		if key.instanceID != instanceID {
			continue
		}
		pt.canceled = true
		if pt.timer != nil {
			pt.timer.Stop()
		}
		delete(s.timers, key)
	}
}
