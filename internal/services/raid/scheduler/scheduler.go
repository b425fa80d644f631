// Package scheduler fires session deadlines. A single goroutine owns all
// pending deadlines; Schedule and Cancel hand it commands over a channel, so
// no lock is shared with callers and a cancelled deadline can never fire.
package scheduler

import (
	"sync/atomic"
	"time"
)

// Handle identifies one scheduled deadline for cancellation.
type Handle struct {
	id uint64
}

// Zero reports whether the handle was never issued by Schedule.
func (h Handle) Zero() bool {
	return h.id == 0
}

type commandKind int

const (
	commandSchedule commandKind = iota
	commandCancel
)

type command struct {
	kind      commandKind
	id        uint64
	sessionID string
	fireAt    time.Time
}

type entry struct {
	sessionID string
	fireAt    time.Time
}

// Scheduler runs deadline timers for raid sessions and invokes the fire
// callback exactly once per surviving deadline. The callback runs on its own
// goroutine, so it may call back into Schedule or Cancel.
type Scheduler struct {
	fire     func(sessionID string)
	now      func() time.Time
	commands chan command
	quit     chan struct{}
	done     chan struct{}
	lastID   atomic.Uint64
}

// New starts a scheduler. The fire callback must not be nil.
func New(fire func(sessionID string), now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		fire:     fire,
		now:      now,
		commands: make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule registers a deadline for a session and returns its handle.
func (s *Scheduler) Schedule(sessionID string, fireAt time.Time) Handle {
	id := s.lastID.Add(1)
	select {
	case s.commands <- command{kind: commandSchedule, id: id, sessionID: sessionID, fireAt: fireAt}:
	case <-s.quit:
	}
	return Handle{id: id}
}

// Cancel drops a pending deadline. Cancelling a fired, already-cancelled, or
// zero handle is a no-op.
func (s *Scheduler) Cancel(handle Handle) {
	if handle.Zero() {
		return
	}
	select {
	case s.commands <- command{kind: commandCancel, id: handle.id}:
	case <-s.quit:
	}
}

// Stop shuts the scheduler down and waits for the loop to exit. Pending
// deadlines are discarded without firing.
func (s *Scheduler) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	pending := make(map[uint64]entry)
	for {
		var timer *time.Timer
		var fireC <-chan time.Time
		if id, ok := earliest(pending); ok {
			wait := pending[id].fireAt.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fireC = timer.C
		}

		select {
		case <-s.quit:
			if timer != nil {
				timer.Stop()
			}
			return
		case cmd := <-s.commands:
			switch cmd.kind {
			case commandSchedule:
				pending[cmd.id] = entry{sessionID: cmd.sessionID, fireAt: cmd.fireAt}
			case commandCancel:
				delete(pending, cmd.id)
			}
		case <-fireC:
			now := s.now()
			for id, e := range pending {
				if e.fireAt.After(now) {
					continue
				}
				delete(pending, id)
				go s.fire(e.sessionID)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func earliest(pending map[uint64]entry) (uint64, bool) {
	var bestID uint64
	var bestAt time.Time
	found := false
	for id, e := range pending {
		if !found || e.fireAt.Before(bestAt) {
			bestID, bestAt = id, e.fireAt
			found = true
		}
	}
	return bestID, found
}
