// Package scheduler runs delayed callbacks for call sessions without
// blocking the caller. Timers are grouped by the session that owns them so a
// terminating session can cancel everything it scheduled in one call.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Token identifies one scheduled callback. The zero Token is never issued.
type Token uint64

type entry struct {
	owner uuid.UUID
	timer *clock.Timer
}

// Scheduler is safe for concurrent use
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	next   Token
	timers map[Token]*entry
	owners map[uuid.UUID]map[Token]struct{}
}

// New creates a scheduler on the given clock. Pass clock.New() in production
// and clock.NewMock() in tests.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{
		clock:  clk,
		timers: make(map[Token]*entry),
		owners: make(map[uuid.UUID]map[Token]struct{}),
	}
}

// Now returns the scheduler's notion of the current time
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Clock exposes the underlying clock
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// After runs fn once d has elapsed unless the returned token is cancelled
// first. fn runs on its own goroutine.
func (s *Scheduler) After(owner uuid.UUID, d time.Duration, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	tok := s.next

	e := &entry{owner: owner}
	e.timer = s.clock.AfterFunc(d, func() {
		if !s.release(tok) {
			return
		}
		fn()
	})

	s.timers[tok] = e
	if s.owners[owner] == nil {
		s.owners[owner] = make(map[Token]struct{})
	}
	s.owners[owner][tok] = struct{}{}

	return tok
}

// Cancel stops a pending callback. It reports false if the token already
// fired, was cancelled, or was never issued.
func (s *Scheduler) Cancel(tok Token) bool {
	s.mu.Lock()
	e, ok := s.timers[tok]
	if ok {
		s.forget(tok, e.owner)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.timer.Stop()
	return true
}

// CancelOwner cancels every pending callback of owner and returns how many were stopped
func (s *Scheduler) CancelOwner(owner uuid.UUID) int {
	s.mu.Lock()
	toks := s.owners[owner]
	stopped := make([]*clock.Timer, 0, len(toks))
	for tok := range toks {
		stopped = append(stopped, s.timers[tok].timer)
		delete(s.timers, tok)
	}
	delete(s.owners, owner)
	s.mu.Unlock()

	for _, t := range stopped {
		t.Stop()
	}
	return len(stopped)
}

// Pending returns the number of callbacks owner still has scheduled
func (s *Scheduler) Pending(owner uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners[owner])
}

// release removes tok before its callback runs; false means it was cancelled.
func (s *Scheduler) release(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[tok]
	if !ok {
		return false
	}
	s.forget(tok, e.owner)
	return true
}

func (s *Scheduler) forget(tok Token, owner uuid.UUID) {
	delete(s.timers, tok)
	if toks := s.owners[owner]; toks != nil {
		delete(toks, tok)
		if len(toks) == 0 {
			delete(s.owners, owner)
		}
	}
}
