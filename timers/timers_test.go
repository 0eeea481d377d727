package timers

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/baikonur-io/laika/util"
)

func startScheduler(t *testing.T, max int) (*Scheduler, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	s, err := NewScheduler(max)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		s.Run(ctx)
	}()

	if !s.Wait(time.Second) {
		t.Fatal("scheduler didn't start running")
	}
	return s, cancel
}

func inMs(d time.Duration) int64 {
	return util.Ms(time.Now().Add(d))
}

func TestSchedulerBasic(t *testing.T) {
	s, cancel := startScheduler(t, 10)
	defer cancel()

	add := func(key string, d time.Duration) {
		if err := s.Add(Entry{Key: key, RuleID: "r", At: inMs(d)}); err != nil {
			t.Fatal(err)
		}
	}

	add("3", 500*time.Millisecond)
	add("2", 250*time.Millisecond)
	add("1", 50*time.Millisecond)
	s.Rem("2", "r")
	add("5", 700*time.Millisecond)
	add("4", 600*time.Millisecond)
	s.Rem("5", "r")
	add("6", 900*time.Millisecond)

	want := []string{"1", "3", "4", "6"}
	heard := make([]string, 0, len(want))
	deadline := time.After(5 * time.Second)
	for len(heard) < len(want) {
		select {
		case e := <-s.Due():
			log.Printf("heard %s (late: %dms)", e.Key, util.Ms(time.Now())-e.At)
			heard = append(heard, e.Key)
		case <-deadline:
			t.Fatalf("heard only %v", heard)
		}
	}
	for i, key := range want {
		if heard[i] != key {
			t.Fatalf("expected %q but got %q at %d", key, heard[i], i)
		}
	}

	select {
	case e := <-s.Due():
		t.Fatalf("unexpected %#v", e)
	case <-time.After(200 * time.Millisecond):
	}

	if n := s.Pending(); n != 0 {
		t.Fatal(n)
	}
}

func TestSchedulerReplace(t *testing.T) {
	s, cancel := startScheduler(t, 10)
	defer cancel()

	if err := s.Add(Entry{Key: "k", RuleID: "r", At: inMs(600 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	soon := inMs(100 * time.Millisecond)
	if err := s.Add(Entry{Key: "k", RuleID: "r", At: soon}); err != nil {
		t.Fatal(err)
	}
	if n := s.Pending(); n != 1 {
		t.Fatal(n)
	}

	select {
	case e := <-s.Due():
		if e.At != soon {
			t.Fatalf("%#v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no fire")
	}

	select {
	case e := <-s.Due():
		t.Fatalf("fired twice: %#v", e)
	case <-time.After(800 * time.Millisecond):
	}
}

func TestSchedulerPastDue(t *testing.T) {
	s, cancel := startScheduler(t, 10)
	defer cancel()

	// Already-due entries fire right away.
	if err := s.Add(Entry{Key: "k", RuleID: "r", At: inMs(-time.Second)}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Due():
	case <-time.After(time.Second):
		t.Fatal("no fire")
	}
}

func TestSchedulerLimits(t *testing.T) {
	s, err := NewScheduler(2)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Add(Entry{Key: "k", RuleID: "r", At: 1}); err != NotRunning {
		t.Fatal(err)
	}

	s, cancel := startScheduler(t, 2)
	defer cancel()

	later := inMs(time.Minute)
	if err = s.Add(Entry{Key: "a", RuleID: "r", At: later}); err != nil {
		t.Fatal(err)
	}
	if err = s.Add(Entry{Key: "b", RuleID: "r", At: later}); err != nil {
		t.Fatal(err)
	}
	if err = s.Add(Entry{Key: "c", RuleID: "r", At: later}); err != TooMany {
		t.Fatal(err)
	}

	// Moving a pending entry is not an addition.
	if err = s.Add(Entry{Key: "b", RuleID: "r", At: later + 1}); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerLag(t *testing.T) {
	n := 60
	dMax := 60 * time.Millisecond

	s, cancel := startScheduler(t, n)
	defer cancel()

	for i := 0; i < n; i++ {
		d := time.Duration(rand.Intn(int(dMax/time.Millisecond))) * time.Millisecond
		err := s.Add(Entry{
			Key:    strconv.Itoa(i),
			RuleID: "r",
			At:     inMs(d),
		})
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	var totalLag time.Duration
	deadline := time.After(10 * dMax * time.Duration(n))
	var prev int64
	for fired := 0; fired < n; fired++ {
		select {
		case e := <-s.Due():
			if e.At < prev {
				t.Fatalf("fired out of order: %d after %d", e.At, prev)
			}
			prev = e.At
			totalLag += time.Duration(util.Ms(time.Now())-e.At) * time.Millisecond
		case <-deadline:
			t.Fatalf("timeout after %d fires", fired)
		}
	}

	log.Printf("dMax: %v fired: %d mean lag: %v", dMax, n, totalLag/time.Duration(n))
}
