// Package clock abstracts monotonic time and single-shot timers so the
// proxy's idle/pause timeouts are deterministic under test, following the
// override-the-package-var idiom the runtime already uses for time in
// pkg/idgen, generalized into an injectable interface.
package clock

import "time"

// Clock is the time source a component reads from instead of calling
// time.Now directly.
type Clock interface {
	Now() time.Time
}

// Timer is a single-shot timer. Calling Stop after the timer has already
// fired is a no-op, matching time.Timer semantics.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	// Reset reschedules the timer to fire d from now, returning whether
	// the timer was active before the call.
	Reset(d time.Duration) bool
}

// TimerSource creates Timers. The proxy depends on this instead of
// time.AfterFunc/time.NewTimer so StateTimeout firing can be driven
// deterministically in tests.
type TimerSource interface {
	NewTimer(d time.Duration) Timer
}

// System is the production Clock/TimerSource backed by the standard
// library.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time        { return s.t.C }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
