package scheduler

import (
	"testing"
	"time"
)

func TestScheduleFiresOnce(t *testing.T) {
	fired := make(chan string, 4)
	s := New(func(sessionID string) { fired <- sessionID }, nil)
	defer s.Stop()

	s.Schedule("session1", time.Now().Add(20*time.Millisecond))

	select {
	case sessionID := <-fired:
		if sessionID != "session1" {
			t.Fatalf("expected session1, got %q", sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	select {
	case sessionID := <-fired:
		t.Fatalf("deadline fired twice for %q", sessionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelPreventsFire(t *testing.T) {
	fired := make(chan string, 4)
	s := New(func(sessionID string) { fired <- sessionID }, nil)
	defer s.Stop()

	handle := s.Schedule("session1", time.Now().Add(60*time.Millisecond))
	s.Cancel(handle)

	select {
	case sessionID := <-fired:
		t.Fatalf("cancelled deadline fired for %q", sessionID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelZeroHandleIsNoop(t *testing.T) {
	s := New(func(string) {}, nil)
	defer s.Stop()
	s.Cancel(Handle{})
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	fired := make(chan string, 4)
	s := New(func(sessionID string) { fired <- sessionID }, nil)
	defer s.Stop()

	s.Schedule("session1", time.Now().Add(-time.Second))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past deadline never fired")
	}
}

func TestMultipleDeadlinesFireIndependently(t *testing.T) {
	fired := make(chan string, 8)
	s := New(func(sessionID string) { fired <- sessionID }, nil)
	defer s.Stop()

	now := time.Now()
	s.Schedule("early", now.Add(20*time.Millisecond))
	keep := s.Schedule("late", now.Add(80*time.Millisecond))
	cancel := s.Schedule("dropped", now.Add(50*time.Millisecond))
	s.Cancel(cancel)
	_ = keep

	got := make(map[string]int)
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case sessionID := <-fired:
			got[sessionID]++
		case <-timeout:
			t.Fatalf("missing fires, got %v", got)
		}
	}
	if got["early"] != 1 || got["late"] != 1 || got["dropped"] != 0 {
		t.Fatalf("unexpected fire counts %v", got)
	}
}

func TestCallbackMayReschedule(t *testing.T) {
	fired := make(chan string, 4)
	var s *Scheduler
	s = New(func(sessionID string) {
		if sessionID == "first" {
			s.Schedule("second", time.Now().Add(10*time.Millisecond))
			return
		}
		fired <- sessionID
	}, nil)
	defer s.Stop()

	s.Schedule("first", time.Now().Add(10*time.Millisecond))

	select {
	case sessionID := <-fired:
		if sessionID != "second" {
			t.Fatalf("expected second, got %q", sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled deadline never fired")
	}
}

func TestStopDiscardsPending(t *testing.T) {
	fired := make(chan string, 4)
	s := New(func(sessionID string) { fired <- sessionID }, nil)
	s.Schedule("session1", time.Now().Add(50*time.Millisecond))
	s.Stop()

	select {
	case sessionID := <-fired:
		t.Fatalf("deadline fired after stop for %q", sessionID)
	case <-time.After(200 * time.Millisecond):
	}
}
