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

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/baikonur-io/laika/match"
)

// Validate checks the configuration's shape and the references
// between its sections.  Every problem found is reported, each tagged
// with its location, so an author fixes a configuration in one pass.
//
// Connector-specific settings are not checked here; the connector
// registry rejects those when it is built.  See package sio.
func (c *Config) Validate() error {
	var errs []string
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	for _, name := range connNames(c.Sources) {
		m := c.Sources[name].Match
		if m == nil {
			continue
		}
		loc := "sources." + name + ".match"
		switch {
		case m.MatchAll && len(m.MatchKey) > 0:
			bad("%s: matchAll and matchKey are mutually exclusive", loc)
		case !m.MatchAll && len(m.MatchKey) == 0:
			bad("%s: needs matchAll or matchKey", loc)
		}
	}
	for _, name := range connNames(c.Targets) {
		if c.Targets[name].Match != nil {
			bad("targets.%s: match applies only to sources", name)
		}
	}

	if len(c.Events) == 0 {
		bad("events: at least one event type is required")
	}
	for _, name := range c.EventNames() {
		e := c.Events[name]
		loc := "events." + name
		if e.From == "" {
			bad("%s: from is required", loc)
		} else if _, have := c.Sources[e.From]; !have {
			bad("%s: unknown source %q", loc, e.From)
		}
		switch {
		case e.MatchAll && len(e.MatchKey) > 0:
			bad("%s: matchAll and matchKey are mutually exclusive", loc)
		case !e.MatchAll && len(e.MatchKey) == 0:
			if src, have := c.Sources[e.From]; !have || src.Match == nil {
				bad("%s: needs matchAll, matchKey, or a match default on its source", loc)
			}
		}
	}

	corrNames := make([]string, 0, len(c.Correlation))
	for name := range c.Correlation {
		corrNames = append(corrNames, name)
	}
	sort.Strings(corrNames)
	for _, name := range corrNames {
		loc := "correlation." + name
		if _, have := c.Events[name]; !have {
			bad("%s: unknown event type", loc)
		}
		key := c.Correlation[name].Key
		if key == "" {
			bad("%s: key is required", loc)
		} else if len(match.ParsePath(key)) == 0 {
			bad("%s: key %q does not address a field", loc, key)
		}
	}

	if len(c.Triggers) == 0 {
		bad("triggers: at least one trigger is required")
	}
	for _, name := range c.TriggerNames() {
		t := c.Triggers[name]
		loc := "triggers." + name

		nx, na := len(t.Requires.Exact), len(t.Requires.AtLeast)
		switch {
		case nx == 0 && na == 0:
			bad("%s.requires: exact or at_least is required", loc)
		case nx > 0 && na > 0:
			bad("%s.requires: exact and at_least are mutually exclusive", loc)
		}
		for _, et := range t.Requires.Exact {
			if _, have := c.Events[et]; !have {
				bad("%s.requires.exact: unknown event type %q", loc, et)
			}
		}
		for _, et := range t.Requires.AtLeast {
			if _, have := c.Events[et]; !have {
				bad("%s.requires.at_least: unknown event type %q", loc, et)
			}
		}

		if t.Action.Target == "" {
			bad("%s.action: target is required", loc)
		} else if _, have := c.Targets[t.Action.Target]; !have {
			bad("%s.action: unknown target %q", loc, t.Action.Target)
		}
	}

	return problems(errs)
}

// problems joins accumulated error strings into a single error, one
// problem per line.
func problems(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
}

func connNames(m map[string]ConnConfig) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
