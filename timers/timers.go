/* Copyright 2025 Baikonur I/O, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package timers schedules rule re-evaluations.  At any point in
// time, only one time.Timer exists to implement all managed timers.
//
// The design is relatively simple.  Scheduled entries sit in a list
// ordered by ascending fire time.  When the head of that list
// changes, the internal timer is replaced with one that waits for the
// new head.  When it fires, every due entry is delivered on the Due
// channel in fire order.  The scheduler is an in-memory mirror of the
// store's timer index: it holds no durable state, and a restart
// replays pending timers from the store.
package timers

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baikonur-io/laika/util"
)

var (
	TooMany        = errors.New("too many")
	NotRunning     = errors.New("not running")
	AlreadyRunning = errors.New("already running")
)

const (
	notRunning = int64(iota)
	running
)

// Entry is one scheduled evaluation: fire rule RuleID against the
// context of Key at At (milliseconds since epoch).  The pair (Key,
// RuleID) identifies the entry; scheduling it again just moves it.
type Entry struct {
	Key    string
	RuleID string
	At     int64
}

// Scheduler is a managed set of pending entries.
//
// You need to Run the Scheduler before calling Add.
type Scheduler struct {
	Max   int
	Debug bool

	sync.Mutex
	backlog []Entry
	up      chan struct{}
	due     chan Entry
	running int64
	ready   chan bool
}

// NewScheduler makes a Scheduler holding at most max pending entries.
func NewScheduler(max int) (*Scheduler, error) {
	initial := max / 4
	if initial < 8 {
		initial = 8
	}
	return &Scheduler{
		Max:     max,
		backlog: make([]Entry, 0, initial),
		up:      make(chan struct{}, 1),
		due:     make(chan Entry, 32),
		ready:   make(chan bool, 1),
	}, nil
}

// Due is the channel of fired entries, in fire order.
func (s *Scheduler) Due() <-chan Entry {
	return s.due
}

// Run starts the Scheduler in the current goroutine.  This method
// must be running to use the Scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.IsRunning() {
		return AlreadyRunning
	}

	// timer waits for the head of the backlog.  It is replaced
	// whenever the head changes.
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	reset := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		at, have := s.head()
		if !have {
			return
		}
		d := time.Until(util.FromMs(at))
		s.debugf("waiting %s", d)
		timer = time.NewTimer(d)
		timerC = timer.C
	}

	atomic.StoreInt64(&s.running, running)
	s.ready <- true
LOOP:
	for {
		select {
		case <-ctx.Done():
			break LOOP
		case <-s.up:
			reset()
		case <-timerC:
			for _, e := range s.take(util.Ms(time.Now())) {
				s.debugf("entry %s %s firing", e.Key, e.RuleID)
				select {
				case s.due <- e:
				case <-ctx.Done():
					break LOOP
				}
			}
			reset()
		}
	}

	if timer != nil {
		timer.Stop()
	}
	<-s.ready
	atomic.StoreInt64(&s.running, notRunning)

	return nil
}

// IsRunning tries to report whether the Run method is currently
// executing.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt64(&s.running) == running
}

// Wait blocks until Run is ready (or the timeout elapses).
func (s *Scheduler) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-s.ready:
		return true
	}
}

// Add schedules the entry, replacing any pending entry for the same
// (Key, RuleID).
func (s *Scheduler) Add(e Entry) error {
	s.debugf("add %s %s at %d", e.Key, e.RuleID, e.At)

	if !s.IsRunning() {
		return NotRunning
	}

	s.Lock()
	s.remove(e.Key, e.RuleID)

	var err error
	if len(s.backlog) == s.Max {
		err = TooMany
	} else {
		n := len(s.backlog)
		i := sort.Search(n, func(i int) bool {
			return e.At < s.backlog[i].At
		})
		s.backlog = append(s.backlog, Entry{})
		copy(s.backlog[i+1:], s.backlog[i:])
		s.backlog[i] = e
	}
	s.Unlock()

	if err == nil {
		s.wake()
	}
	return err
}

// Rem removes the pending entry for (key, ruleID), if any.
func (s *Scheduler) Rem(key, ruleID string) error {
	s.debugf("rem %s %s", key, ruleID)

	if !s.IsRunning() {
		return NotRunning
	}

	s.Lock()
	s.remove(key, ruleID)
	s.Unlock()

	s.wake()
	return nil
}

// Pending reports the number of scheduled entries.
func (s *Scheduler) Pending() int {
	s.Lock()
	n := len(s.backlog)
	s.Unlock()
	return n
}

// remove deletes the entry for (key, ruleID).  Callers hold the lock.
func (s *Scheduler) remove(key, ruleID string) {
	for i, x := range s.backlog {
		if x.Key == key && x.RuleID == ruleID {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

// wake nudges Run to re-arm its timer.  Never blocks; a pending nudge
// is enough.
func (s *Scheduler) wake() {
	select {
	case s.up <- struct{}{}:
	default:
	}
}

func (s *Scheduler) head() (int64, bool) {
	s.Lock()
	defer s.Unlock()
	if len(s.backlog) == 0 {
		return 0, false
	}
	return s.backlog[0].At, true
}

// take pops every entry due at or before nowMs.
func (s *Scheduler) take(nowMs int64) []Entry {
	s.Lock()
	defer s.Unlock()
	i := sort.Search(len(s.backlog), func(i int) bool {
		return nowMs < s.backlog[i].At
	})
	if i == 0 {
		return nil
	}
	due := make([]Entry, i)
	copy(due, s.backlog[:i])
	s.backlog = append(s.backlog[:0], s.backlog[i:]...)
	return due
}

func (s *Scheduler) debugf(format string, args ...interface{}) {
	if s.Debug {
		log.Printf("Scheduler "+format, args...)
	}
}
