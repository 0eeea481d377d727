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

package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Timing drives timer-based re-evaluation of a rule.  All fields are
// in milliseconds.
//
// From is the delay after the requirement first becomes satisfied
// before the first tick.  Every is the cadence between ticks; zero
// means the rule is checked once and the chain ends.  Until is the
// hard horizon, measured from the first-satisfied instant, at or
// before which ticks may still fire; zero means no horizon.
type Timing struct {
	From  int64
	Every int64
	Until int64
}

// Repeats reports whether the rule re-checks on a cadence after its
// first tick.
func (tm *Timing) Repeats() bool {
	return 0 < tm.Every
}

// FirstAt computes the first tick for a requirement that became
// satisfied at satisfiedMs in a context last touched at touchedMs.
func (tm *Timing) FirstAt(touchedMs, satisfiedMs int64) int64 {
	at := satisfiedMs
	if touchedMs > at {
		at = touchedMs
	}
	return at + tm.From
}

// NextAt computes the tick after one that fired at prevMs.  Only
// meaningful when the timing Repeats.
func (tm *Timing) NextAt(prevMs int64) int64 {
	return prevMs + tm.Every
}

// NextAfter computes the first grid point strictly after nowMs, on
// the grid anchored at prevMs.  Used to coalesce past-due ticks after
// a stall: only one fires, and the chain resumes on its grid.  Only
// meaningful when the timing Repeats.
func (tm *Timing) NextAfter(prevMs, nowMs int64) int64 {
	if nowMs < prevMs {
		return prevMs + tm.Every
	}
	k := (nowMs - prevMs) / tm.Every
	return prevMs + (k+1)*tm.Every
}

// Within reports whether a tick at atMs is inside the horizon for a
// requirement first satisfied at satisfiedMs.  The horizon itself is
// inside; a zero Until admits everything.
func (tm *Timing) Within(atMs, satisfiedMs int64) bool {
	return tm.Until == 0 || atMs <= satisfiedMs+tm.Until
}

func (tm *Timing) String() string {
	s := fmt.Sprintf("from %dms", tm.From)
	if 0 < tm.Every {
		s += fmt.Sprintf(" every %dms", tm.Every)
	}
	if 0 < tm.Until {
		s += fmt.Sprintf(" until %dms", tm.Until)
	}
	return s
}

// Validate rejects timings that cannot schedule anything.
func (tm *Timing) Validate() error {
	if tm.From < 0 || tm.Every < 0 || tm.Until < 0 {
		return fmt.Errorf("negative timing: from %dms every %dms until %dms",
			tm.From, tm.Every, tm.Until)
	}
	if 0 < tm.Until && tm.Until < tm.From {
		return fmt.Errorf("until precedes from: %s", tm)
	}
	return nil
}

var durationUnits = []struct {
	suffix string
	ms     int64
}{
	{"ms", 1},
	{"s", 1000},
	{"m", 60 * 1000},
	{"h", 60 * 60 * 1000},
	{"d", 24 * 60 * 60 * 1000},
}

// ParseDuration parses a duration literal of the form <n><unit>,
// where unit is one of ms, s, m, h, d, into milliseconds.
func ParseDuration(s string) (int64, error) {
	for _, u := range durationUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		digits := strings.TrimSuffix(s, u.suffix)
		n, err := strconv.ParseUint(digits, 10, 63)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q: %v", s, err)
		}
		if int64(n) > math.MaxInt64/u.ms {
			return 0, fmt.Errorf("duration %q is too large", s)
		}
		return int64(n) * u.ms, nil
	}
	return 0, fmt.Errorf("duration %q needs a unit (ms, s, m, h, d)", s)
}
