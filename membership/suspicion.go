package membership

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// suspicion tracks the dynamic timeout for one suspected node. It starts at
// maxTimeout and, as independent peers confirm the same suspicion, shrinks
// toward minTimeout on a logarithmic schedule, capped at k confirmations so
// a flood of confirmations can't shrink it past the floor prematurely.
//
// The schedule: with k confirmations out of an expected n (cluster size
// minus the local node and the suspect), the elapsed timeout is
//
//	timeout(k) = max - (max-min) * ln(k+1) / ln(n+1)
//
// which matches the behavior described in the spec (shortens
// logarithmically with each independent confirmation, floor at min).
type suspicion struct {
	mu sync.Mutex

	n       int64 // expected confirmations for full speedup
	k       int64 // confirmations seen so far (atomic via mu)
	min     time.Duration
	max     time.Duration
	start   time.Time
	timer   *time.Timer
	confirmations map[string]struct{}

	fn func(numConfirmations int)
}

// newSuspicion creates a running suspicion timer. from is excluded from
// ever counting as a confirmer (it's whoever raised this suspicion in the
// first place, already implicitly counted). fn is invoked exactly once,
// when the timer fires; it receives the number of confirmations observed.
func newSuspicion(from string, k int, min, max time.Duration, fn func(numConfirmations int)) *suspicion {
	s := &suspicion{
		n:             int64(k),
		min:           min,
		max:           max,
		start:         time.Now(),
		confirmations: make(map[string]struct{}),
		fn:            fn,
	}
	s.confirmations[from] = struct{}{}

	timeout := s.max
	if timeout < s.min {
		timeout = s.min
	}
	s.timer = time.AfterFunc(timeout, s.fire)
	return s
}

func (s *suspicion) fire() {
	s.mu.Lock()
	numConfirmations := int(atomic.LoadInt64(&s.k))
	s.mu.Unlock()
	s.fn(numConfirmations)
}

// remainingSuspicionTime computes the elapsed-since-start adjusted timeout
// for k confirmations, per the schedule documented on suspicion.
func remainingSuspicionTime(k, n int64, elapsed time.Duration, min, max time.Duration) time.Duration {
	frac := math.Log(float64(k)+1.0) / math.Log(float64(n)+1.0)
	raw := max.Seconds() - frac*(max.Seconds()-min.Seconds())
	timeout := time.Duration(math.Max(raw, min.Seconds()) * float64(time.Second))
	return timeout - elapsed
}

// Confirm registers an additional independent confirmation of the
// suspicion from peer. Confirmations from the same peer, or once n
// confirmations have been seen, have no further effect. Returns true if
// the confirmation caused the timer to be rescheduled sooner.
func (s *suspicion) Confirm(from string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.confirmations[from]; dup {
		return false
	}
	if int64(len(s.confirmations)) >= s.n {
		return false
	}
	s.confirmations[from] = struct{}{}
	k := int64(len(s.confirmations) - 1)
	atomic.StoreInt64(&s.k, k)

	elapsed := time.Since(s.start)
	remaining := remainingSuspicionTime(k, s.n, elapsed, s.min, s.max)
	if remaining < 0 {
		remaining = 0
	}
	s.timer.Stop()
	s.timer = time.AfterFunc(remaining, s.fire)
	return true
}

// Stop cancels the timer; fn will not fire if it hasn't already.
func (s *suspicion) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer.Stop()
}
