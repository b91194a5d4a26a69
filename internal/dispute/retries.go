package dispute

import (
	"sync"
	"time"
)

// Retry delays per message type, in units of the scheduler's base unit.
// A verdict racing ahead of the mirrored open is given more slack than plain
// chat; the payout tx message even more, so the close message lands first.
const (
	chatRetryUnits     = 1
	resultRetryUnits   = 2
	payoutTxRetryUnits = 3
)

type retryEntry struct {
	timer *time.Timer
	fired bool
}

// RetryScheduler is a bounded single-shot delay queue for messages that
// arrive referencing a not-yet-known dispute. At most one retry exists per
// uid at any time: a second ScheduleOnce while one is pending is a no-op,
// and a ScheduleOnce after the retry fired refuses and evicts the entry,
// because the caller is giving up on the message. Each delivery gets one
// shot; duplicate deliveries never turn into retry storms.
type RetryScheduler struct {
	mu      sync.Mutex
	pending map[string]*retryEntry
	unit    time.Duration
	submit  func(func())
}

// NewRetryScheduler creates a scheduler whose fired actions are handed to
// submit, which must execute them on the engine's dispatch loop. unit is the
// base delay (1s in production, shrunk in tests).
func NewRetryScheduler(unit time.Duration, submit func(func())) *RetryScheduler {
	return &RetryScheduler{
		pending: make(map[string]*retryEntry),
		unit:    unit,
		submit:  submit,
	}
}

// ScheduleOnce registers a single delayed retry keyed by uid. Returns false
// without scheduling when a retry for this uid exists or has already fired.
// A fired entry is evicted on that second call: the caller is dropping the
// message, so nothing will Cancel the uid afterwards.
func (s *RetryScheduler) ScheduleOnce(uid string, units int, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[uid]; ok {
		if e.fired {
			delete(s.pending, uid)
		}
		return false
	}
	e := &retryEntry{}
	e.timer = time.AfterFunc(time.Duration(units)*s.unit, func() {
		s.mu.Lock()
		if cur, ok := s.pending[uid]; !ok || cur != e {
			// Cancelled while the timer was firing.
			s.mu.Unlock()
			return
		}
		e.fired = true
		s.mu.Unlock()
		s.submit(fn)
	})
	s.pending[uid] = e
	return true
}

// Cancel removes and stops the retry for uid, used once the referenced
// dispute becomes known through any path.
func (s *RetryScheduler) Cancel(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[uid]; ok {
		e.timer.Stop()
		delete(s.pending, uid)
	}
}

// CancelAll stops every pending retry without executing it. Called on
// shutdown.
func (s *RetryScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, uid)
	}
}

// PendingCount reports the number of tracked uids (pending or fired).
func (s *RetryScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
