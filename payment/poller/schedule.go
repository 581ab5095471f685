// Backoff schedule for pending fingerprints. Entries are ordered by due time in
// a B-tree so "what is due now" is a prefix walk.

package poller

import (
	"time"

	"github.com/google/btree"
)

type entry struct {
	due      time.Time
	md5      string
	attempts int
}

func (a entry) Less(b btree.Item) bool {
	o := b.(entry)
	if !a.due.Equal(o.due) {
		return a.due.Before(o.due)
	}
	return a.md5 < o.md5
}

// Schedule tracks when each fingerprint should next be checked. Not safe for
// concurrent use; the poller owns it from a single goroutine.
type Schedule struct {
	tree  *btree.BTree
	index map[string]entry // md5 → entry currently in tree
	base  time.Duration
	max   time.Duration
}

func NewSchedule(base, max time.Duration) *Schedule {
	return &Schedule{
		tree:  btree.New(2),
		index: make(map[string]entry),
		base:  base,
		max:   max,
	}
}

// Track adds md5 due immediately. Already tracked fingerprints keep their slot.
func (s *Schedule) Track(md5 string, now time.Time) {
	if _, ok := s.index[md5]; ok {
		return
	}
	e := entry{due: now, md5: md5}
	s.tree.ReplaceOrInsert(e)
	s.index[md5] = e
}

// Due returns up to limit fingerprints whose slot is at or before now.
func (s *Schedule) Due(now time.Time, limit int) []string {
	var out []string
	s.tree.Ascend(func(it btree.Item) bool {
		e := it.(entry)
		if e.due.After(now) || len(out) >= limit {
			return false
		}
		out = append(out, e.md5)
		return true
	})
	return out
}

// Backoff pushes md5's next check out, doubling the delay each attempt up to max.
func (s *Schedule) Backoff(md5 string, now time.Time) time.Duration {
	e, ok := s.index[md5]
	if !ok {
		return 0
	}
	s.tree.Delete(e)
	e.attempts++
	delay := s.base << (e.attempts - 1)
	if delay > s.max || delay <= 0 {
		delay = s.max
	}
	e.due = now.Add(delay)
	s.tree.ReplaceOrInsert(e)
	s.index[md5] = e
	return delay
}

func (s *Schedule) Remove(md5 string) {
	if e, ok := s.index[md5]; ok {
		s.tree.Delete(e)
		delete(s.index, md5)
	}
}

// Retain drops every tracked fingerprint not in keep.
func (s *Schedule) Retain(keep map[string]bool) {
	for md5 := range s.index {
		if !keep[md5] {
			s.Remove(md5)
		}
	}
}

func (s *Schedule) Len() int { return s.tree.Len() }
