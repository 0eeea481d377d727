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

// Package rules represents compiled triggers: the requirement over
// event types that must hold in a context, the optional timing that
// drives re-evaluation, and the action taken on firing.
package rules

import (
	"fmt"
	"sort"

	"github.com/baikonur-io/laika/interpreters/ecmascript"
	"github.com/baikonur-io/laika/template"
)

// Mode says how a requirement's type set is compared against the
// types present in a context.
type Mode int

const (
	// Exact requires the distinct types present to equal the
	// required set.  An Exact rule fires at most once per context
	// generation.
	Exact Mode = iota

	// AtLeast requires the required set to be a subset of the
	// types present.  An AtLeast rule stays eligible and re-fires
	// on qualifying mutations.
	AtLeast
)

func (m Mode) String() string {
	switch m {
	case Exact:
		return "exact"
	case AtLeast:
		return "at_least"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Requirement is the predicate over the set of event types present
// in a context.
type Requirement struct {
	Mode  Mode
	Types []string

	set map[string]bool
}

// NewRequirement builds a requirement over the given (non-empty)
// type set.  Duplicates are collapsed; declaration order is kept for
// reporting.
func NewRequirement(mode Mode, types []string) (Requirement, error) {
	if len(types) == 0 {
		return Requirement{}, fmt.Errorf("%s requirement needs at least one event type", mode)
	}
	set := make(map[string]bool, len(types))
	kept := make([]string, 0, len(types))
	for _, t := range types {
		if t == "" {
			return Requirement{}, fmt.Errorf("%s requirement has an empty event type", mode)
		}
		if !set[t] {
			kept = append(kept, t)
		}
		set[t] = true
	}
	return Requirement{Mode: mode, Types: kept, set: set}, nil
}

// Wants reports whether the given event type participates in the
// requirement at all.
func (r *Requirement) Wants(eventType string) bool {
	return r.set[eventType]
}

// SatisfiedBy evaluates the requirement against the distinct types
// present in a context.
func (r *Requirement) SatisfiedBy(present map[string]bool) bool {
	switch r.Mode {
	case Exact:
		if len(present) != len(r.set) {
			return false
		}
		for t := range present {
			if !r.set[t] {
				return false
			}
		}
		return true
	case AtLeast:
		for t := range r.set {
			if !present[t] {
				return false
			}
		}
		return true
	}
	return false
}

func (r *Requirement) String() string {
	ts := make([]string, len(r.Types))
	copy(ts, r.Types)
	sort.Strings(ts)
	return fmt.Sprintf("%s%v", r.Mode, ts)
}

// Rule is a compiled trigger.
type Rule struct {
	// ID is the trigger's configured name.
	ID string

	Requirement Requirement

	// Timing is nil for rules evaluated on the event path only.
	Timing *Timing

	// Script is the compiled filter/extract function, or nil to
	// use the default projection.
	Script *ecmascript.Script

	// Target names the destination for rendered payloads.
	Target string

	// Payload renders the emitted value from a projection.
	Payload *template.Template
}

// Timed reports whether the rule re-evaluates on a timer grid.
func (r *Rule) Timed() bool {
	return r.Timing != nil
}

// Wanting returns the rules whose requirement mentions the given
// event type, preserving order.
func Wanting(rules []*Rule, eventType string) []*Rule {
	var out []*Rule
	for _, r := range rules {
		if r.Requirement.Wants(eventType) {
			out = append(out, r)
		}
	}
	return out
}

// Intersecting returns the rules whose requirement mentions any of
// the types present, preserving order.
func Intersecting(rules []*Rule, present map[string]bool) []*Rule {
	var out []*Rule
	for _, r := range rules {
		for t := range present {
			if r.Requirement.Wants(t) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
