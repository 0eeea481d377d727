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

package event

// TimerEntry is a pending evaluation of a rule against a context.  At
// most one entry per rule is pending at a time.  Version records the
// context version at which the timer was scheduled.
type TimerEntry struct {
	RuleID  string
	FireAt  int64
	Version uint64
}

// Context is the aggregated state for one correlation key: the
// ordered event log, pending timers, and per-rule firing state.
//
// A Context is mutated only by the single worker that owns its key.
// Between work items, the authoritative copy lives in the store.
type Context struct {
	Key      string
	Sequence []Event
	Timers   []TimerEntry

	// Fired holds exact-mode rules that have fired during this
	// context generation.
	Fired map[string]bool

	// SatisfiedAt holds, per rule, the time its requirement first
	// became satisfied during this generation.
	SatisfiedAt map[string]int64

	// Version counts commits.  Generation counts evictions; a
	// recreated key starts a fresh generation with empty Fired.
	Version    uint64
	Generation uint64

	CreatedAt int64
	TouchedAt int64
}

// NewContext makes an empty context for key.
func NewContext(key string) *Context {
	return &Context{
		Key:         key,
		Fired:       map[string]bool{},
		SatisfiedAt: map[string]int64{},
	}
}

// Empty reports whether the context holds no events and no pending
// timers.  An empty context has no reason to exist.
func (c *Context) Empty() bool {
	return len(c.Sequence) == 0 && len(c.Timers) == 0
}

// Append inserts e into Sequence in Received order, ties broken by
// insertion order, and returns the index where e landed.
func (c *Context) Append(e Event) int {
	i := len(c.Sequence)
	for 0 < i && e.Received < c.Sequence[i-1].Received {
		i--
	}
	c.Sequence = append(c.Sequence, Event{})
	copy(c.Sequence[i+1:], c.Sequence[i:])
	c.Sequence[i] = e
	return i
}

// Touch refreshes the activity timestamps.
func (c *Context) Touch(ms int64) {
	if c.CreatedAt == 0 {
		c.CreatedAt = ms
	}
	if c.TouchedAt < ms {
		c.TouchedAt = ms
	}
}

// Types returns the set of distinct event types present.
func (c *Context) Types() map[string]bool {
	types := make(map[string]bool, 4)
	for i := range c.Sequence {
		types[c.Sequence[i].Type] = true
	}
	return types
}

// ByType returns, per type, the Sequence indexes of that type's
// events in order.  The result is a recomputed view, never a copy of
// the events themselves.
func (c *Context) ByType() map[string][]int {
	views := make(map[string][]int, 4)
	for i := range c.Sequence {
		t := c.Sequence[i].Type
		views[t] = append(views[t], i)
	}
	return views
}

// TimerFor returns the pending timer for the given rule, if any.
func (c *Context) TimerFor(rule string) (TimerEntry, bool) {
	for _, t := range c.Timers {
		if t.RuleID == rule {
			return t, true
		}
	}
	return TimerEntry{}, false
}

// SetTimer schedules (or reschedules) the rule's pending timer.
func (c *Context) SetTimer(rule string, at int64, version uint64) {
	for i := range c.Timers {
		if c.Timers[i].RuleID == rule {
			c.Timers[i].FireAt = at
			c.Timers[i].Version = version
			return
		}
	}
	c.Timers = append(c.Timers, TimerEntry{RuleID: rule, FireAt: at, Version: version})
}

// ClearTimer removes the rule's pending timer, if any.
func (c *Context) ClearTimer(rule string) {
	for i, t := range c.Timers {
		if t.RuleID == rule {
			c.Timers = append(c.Timers[:i], c.Timers[i+1:]...)
			return
		}
	}
}

// View renders the script-facing form of the context:
//
//	{sequence: [...], events: {type: [...]}, meta: {"<type>_count": n}}
//
// skip is a Sequence index to leave out, or -1.  On the event path
// the dispatcher passes the index of the triggering event so scripts
// see the state prior to it.
func (c *Context) View(skip int) map[string]interface{} {
	sequence := make([]interface{}, 0, len(c.Sequence))
	events := map[string]interface{}{}
	meta := map[string]interface{}{}
	counts := map[string]int{}

	for i := range c.Sequence {
		if i == skip {
			continue
		}
		e := &c.Sequence[i]
		v := e.view()
		sequence = append(sequence, v)
		vs, _ := events[e.Type].([]interface{})
		events[e.Type] = append(vs, v)
		counts[e.Type]++
	}
	for t, n := range counts {
		meta[t+"_count"] = n
	}

	return map[string]interface{}{
		"sequence": sequence,
		"events":   events,
		"meta":     meta,
	}
}
