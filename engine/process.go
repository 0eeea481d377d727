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

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baikonur-io/laika/event"
	"github.com/baikonur-io/laika/rules"
	"github.com/baikonur-io/laika/storage"
	"github.com/baikonur-io/laika/template"
	"github.com/baikonur-io/laika/timers"
)

// item is one unit of work for a key's worker: an event, a due
// timer, or an eviction.
type item struct {
	ev    *event.Event
	due   *timers.Entry
	evict string
}

func (it item) key() string {
	switch {
	case it.ev != nil:
		return it.ev.Key
	case it.due != nil:
		return it.due.Key
	default:
		return it.evict
	}
}

// processEvent appends one event to its context, arms timers, and
// evaluates any untimed rules that the event's type touches.
func (e *Engine) processEvent(ev *event.Event) {
	c, ok := e.load(ev.Key)
	if !ok {
		return
	}
	opVersion := c.Version
	before := snapshotTimers(c)

	idx := c.Append(*ev)
	c.Touch(ev.Received)

	trigger := event.NewEventTrigger(ev)
	present := c.Types()

	var staged []Emission
	for _, r := range rules.Intersecting(e.rules, present) {
		sat := r.Requirement.SatisfiedBy(present)
		if sat {
			if _, have := c.SatisfiedAt[r.ID]; !have {
				c.SatisfiedAt[r.ID] = ev.Received
			}
		}

		if r.Timed() {
			// Events never evaluate a timed rule.  They only
			// arm its first check.
			if !sat {
				continue
			}
			if _, pending := c.TimerFor(r.ID); pending {
				continue
			}
			sat0 := c.SatisfiedAt[r.ID]
			at := r.Timing.FirstAt(c.TouchedAt, sat0)
			if r.Timing.Within(at, sat0) {
				c.SetTimer(r.ID, at, opVersion+1)
			}
			continue
		}

		if !sat {
			continue
		}
		if r.Requirement.Mode == rules.Exact && c.Fired[r.ID] {
			continue
		}
		payload, fired := e.evaluate(r, trigger, c, idx)
		if !fired {
			continue
		}
		if r.Requirement.Mode == rules.Exact {
			c.Fired[r.ID] = true
		}
		staged = append(staged, Emission{
			Target:  r.Target,
			Rule:    r.ID,
			Key:     c.Key,
			Payload: payload,
		})
	}

	if !e.settle(c, opVersion, before) {
		return
	}
	e.release(staged, opVersion+1)
}

// processTimer runs one scheduled check of a timed rule.
func (e *Engine) processTimer(due timers.Entry) {
	e.met.TimerFires.Inc()

	c, ok := e.load(due.Key)
	if !ok {
		return
	}
	r := e.ruleByID[due.RuleID]
	entry, pending := c.TimerFor(due.RuleID)
	if r == nil || !pending || entry.FireAt != due.At {
		// Superseded: the context moved on after this fire was
		// queued.
		return
	}

	opVersion := c.Version
	before := snapshotTimers(c)

	sat0, have := c.SatisfiedAt[r.ID]
	if !have || !r.Requirement.SatisfiedBy(c.Types()) {
		// The chain ends on a tick that finds the requirement
		// unsatisfied.
		c.ClearTimer(r.ID)
		e.settle(c, opVersion, before)
		return
	}

	trigger := event.NewTimerTrigger(due.At)
	payload, fired := e.evaluate(r, trigger, c, -1)

	if !r.Timing.Repeats() {
		c.ClearTimer(r.ID)
	} else {
		// Late processing coalesces: however many grid points
		// passed, this is one check, and the next lands strictly
		// after now.
		next := r.Timing.NextAfter(due.At, e.now())
		if next != r.Timing.NextAt(due.At) {
			e.met.TimersCoalesced.Inc()
		}
		if r.Timing.Within(next, sat0) {
			c.SetTimer(r.ID, next, opVersion+1)
		} else {
			c.ClearTimer(r.ID)
		}
	}

	if !e.settle(c, opVersion, before) {
		return
	}
	if fired {
		e.release([]Emission{{
			Target:  r.Target,
			Rule:    r.ID,
			Key:     c.Key,
			Payload: payload,
		}}, opVersion+1)
	}
}

// processEvict removes an idle context.  The idle check runs again
// here because an event can land between the sweep and this item.
func (e *Engine) processEvict(key string) {
	c, ok := e.load(key)
	if !ok {
		return
	}
	if c.Empty() || e.now()-c.TouchedAt < e.opts.TTI {
		return
	}
	before := snapshotTimers(c)
	if err := e.store.Evict(e.ctx, key); err != nil {
		e.met.StoreErrors.Inc()
		e.log.Error("eviction failed", "key", key, "err", err)
		return
	}
	e.met.Evictions.Inc()
	e.syncTimers(key, before, nil)
}

// evaluate runs a rule's script and payload template against a
// context view.  It reports whether the rule fired and, if so, the
// marshaled payload.
func (e *Engine) evaluate(r *rules.Rule, trigger event.Trigger, c *event.Context, skip int) ([]byte, bool) {
	view := c.View(skip)
	base := event.ProjectionFromView(trigger, view)

	var projection interface{} = base
	if r.Script != nil {
		x, err := r.Script.Run(e.ctx, trigger.View(), view)
		if err != nil {
			e.met.ScriptErrors.WithLabelValues(r.ID).Inc()
			e.log.Warn("script failed", "rule", r.ID, "key", c.Key, "err", err)
			return nil, false
		}
		if x == nil {
			e.met.ScriptNulls.WithLabelValues(r.ID).Inc()
			return nil, false
		}
		projection = x
	}

	e.met.Firings.WithLabelValues(r.ID).Inc()

	out := projection
	if r.Payload != nil {
		rendered, errs := r.Payload.Render(e.ctx, template.Scope(projection, base))
		for _, err := range errs {
			e.met.TemplateErrors.WithLabelValues(r.ID).Inc()
			e.log.Warn("template expression failed", "rule", r.ID, "key", c.Key, "err", err)
		}
		out = rendered
	}

	bs, err := json.Marshal(out)
	if err != nil {
		e.met.RenderDrops.WithLabelValues(r.ID).Inc()
		e.log.Error("dropping unmarshalable payload", "rule", r.ID, "key", c.Key, "err", err)
		return nil, false
	}
	return bs, true
}

// settle makes a mutation durable: either the context commits, or a
// spent context is dropped.  It reports whether the mutation holds
// and emissions may be released.
func (e *Engine) settle(c *event.Context, opVersion uint64, before []event.TimerEntry) bool {
	if e.spent(c) {
		if err := e.store.Evict(e.ctx, c.Key); err != nil {
			e.met.StoreErrors.Inc()
			e.log.Error("dropping spent context failed", "key", c.Key, "err", err)
			return false
		}
		e.met.Evictions.Inc()
		e.syncTimers(c.Key, before, nil)
		return true
	}
	e.commit(c, opVersion)
	e.syncTimers(c.Key, before, c.Timers)
	return true
}

// spent reports whether no rule can ever fire for this context
// again.  Such a context is dropped immediately rather than waiting
// out the idle clock.
func (e *Engine) spent(c *event.Context) bool {
	if 0 < len(c.Timers) || len(c.Sequence) == 0 {
		return false
	}
	xs := rules.Intersecting(e.rules, c.Types())
	if len(xs) == 0 {
		return false
	}
	for _, r := range xs {
		if r.Requirement.Mode != rules.Exact || !c.Fired[r.ID] {
			return false
		}
	}
	return true
}

// load fetches a context, logging and counting a store failure.
func (e *Engine) load(key string) (*event.Context, bool) {
	c, err := e.store.Load(e.ctx, key)
	if err != nil {
		e.met.StoreErrors.Inc()
		e.log.Error("loading context failed", "key", key, "err", err)
		return nil, false
	}
	return c, true
}

// commit writes a mutated context back, retrying transient store
// failures.  A version conflict is not transient: this worker is the
// key's only writer, so a conflict means the store was opened twice.
// A commit that cannot land ends the process; a restart resumes from
// the last committed state.
func (e *Engine) commit(c *event.Context, opVersion uint64) {
	backoff := e.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err := e.store.Commit(e.ctx, c, opVersion)
		if err == nil {
			return
		}
		e.met.StoreErrors.Inc()
		if errors.Is(err, storage.ErrConflict) || e.opts.Retries <= attempt {
			e.log.Error("commit failed", "key", c.Key, "attempts", attempt, "err", err)
			panic(fmt.Sprintf("context store unusable (key %q): %v", c.Key, err))
		}
		e.log.Warn("commit retrying", "key", c.Key, "attempt", attempt, "err", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

func snapshotTimers(c *event.Context) []event.TimerEntry {
	return append([]event.TimerEntry(nil), c.Timers...)
}

// syncTimers reconciles the scheduler with a context's committed
// timers.  Additions replace entries with the same key and rule, so
// a rescheduled check needs no removal first.
func (e *Engine) syncTimers(key string, before, after []event.TimerEntry) {
	find := func(xs []event.TimerEntry, ruleID string) *event.TimerEntry {
		for i := range xs {
			if xs[i].RuleID == ruleID {
				return &xs[i]
			}
		}
		return nil
	}

	for _, t := range before {
		if find(after, t.RuleID) != nil {
			continue
		}
		if err := e.sched.Rem(key, t.RuleID); err != nil && err != timers.NotRunning {
			e.log.Warn("timer removal failed", "key", key, "rule", t.RuleID, "err", err)
		}
	}
	for _, t := range after {
		if old := find(before, t.RuleID); old != nil && old.FireAt == t.FireAt {
			continue
		}
		err := e.sched.Add(timers.Entry{Key: key, RuleID: t.RuleID, At: t.FireAt})
		if err != nil && err != timers.NotRunning {
			// The store still holds this timer, so a restart's
			// replay recovers it.
			e.log.Error("timer scheduling failed", "key", key, "rule", t.RuleID, "err", err)
		}
	}
	e.met.PendingTimers.Set(float64(e.sched.Pending()))
}

// release hands committed emissions to their targets' delivery
// loops.
func (e *Engine) release(staged []Emission, version uint64) {
	for _, msg := range staged {
		msg.Version = version
		e.emitters[msg.Target].enqueue(e.ctx, msg)
	}
}
