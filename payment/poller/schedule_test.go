package poller_test

import (
	"cafe-pos/payment/poller"
	"testing"
	"time"
)

func TestSchedule(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	s := poller.NewSchedule(5*time.Second, 40*time.Second)

	s.Track("a", now)
	s.Track("b", now)
	s.Track("a", now.Add(time.Hour)) // no effect
	if got := s.Due(now, 10); len(got) != 2 {
		t.Error("Expected 2 due, got", got)
	}

	if d := s.Backoff("a", now); d != 5*time.Second {
		t.Error("Expected 5s, got", d)
	}
	if got := s.Due(now, 10); len(got) != 1 || got[0] != "b" {
		t.Error("Expected [b], got", got)
	}
	if got := s.Due(now.Add(5*time.Second), 10); len(got) != 2 {
		t.Error("Expected 2 due after 5s, got", got)
	}

	s.Backoff("a", now) // 10s
	s.Backoff("a", now) // 20s
	s.Backoff("a", now) // 40s
	if d := s.Backoff("a", now); d != 40*time.Second {
		t.Error("Expected cap at 40s, got", d)
	}

	if got := s.Due(now, 1); len(got) != 1 {
		t.Error("limit not applied:", got)
	}

	s.Retain(map[string]bool{"a": true})
	if s.Len() != 1 {
		t.Error("Expected 1 tracked, got", s.Len())
	}
	s.Remove("a")
	if s.Len() != 0 {
		t.Error("Expected empty schedule, got", s.Len())
	}
}
