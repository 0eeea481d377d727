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

	"github.com/baikonur-io/laika/interpreters/ecmascript"
	"github.com/baikonur-io/laika/match"
	"github.com/baikonur-io/laika/rules"
	"github.com/baikonur-io/laika/template"
)

// Plan is the compiled form of a configuration: classifiers and rules
// ready to run, plus the connector settings for the registry that
// feeds and drains the engine.
type Plan struct {
	// Types holds one definition per declared event type, in
	// declaration order.
	Types []match.TypeDef

	// Rules holds one compiled rule per declared trigger, in
	// declaration order.  Rule IDs are trigger names.
	Rules []*rules.Rule

	Sources map[string]ConnConfig
	Targets map[string]ConnConfig
}

// Build compiles the validated configuration into a Plan.  Field
// patterns, duration literals, filter scripts, and payload templates
// are all compiled here, so every problem surfaces before anything
// runs.  Like Validate, Build reports all problems it finds together.
func (c *Config) Build() (*Plan, error) {
	var errs []string
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	plan := &Plan{
		Sources: c.Sources,
		Targets: c.Targets,
	}

	// A source's match default compiles once and is shared by every
	// event type that inherits it.
	defaults := make(map[string]match.Classifier, len(c.Sources))
	for _, name := range connNames(c.Sources) {
		if m := c.Sources[name].Match; m != nil {
			defaults[name] = compileClassifier("sources."+name+".match",
				m.MatchAll, m.MatchKey, bad)
		}
	}

	for _, name := range c.EventNames() {
		e := c.Events[name]
		def := match.TypeDef{Name: name, Source: e.From}
		if e.MatchAll || len(e.MatchKey) > 0 {
			def.Classifier = compileClassifier("events."+name, e.MatchAll, e.MatchKey, bad)
		} else if cls, have := defaults[e.From]; have {
			def.Classifier = cls
		} else {
			bad("events.%s: needs matchAll, matchKey, or a match default on its source", name)
			continue
		}
		if corr, have := c.Correlation[name]; have {
			def.KeyPath = match.ParsePath(corr.Key)
		}
		plan.Types = append(plan.Types, def)
	}

	for _, name := range c.TriggerNames() {
		t := c.Triggers[name]
		loc := "triggers." + name

		mode, types := rules.Exact, t.Requires.Exact
		if len(t.Requires.AtLeast) > 0 {
			mode, types = rules.AtLeast, t.Requires.AtLeast
		}
		req, err := rules.NewRequirement(mode, types)
		if err != nil {
			bad("%s.requires: %v", loc, err)
			continue
		}

		r := &rules.Rule{
			ID:          name,
			Requirement: req,
			Target:      t.Action.Target,
		}

		if t.Timing != nil {
			tm, err := compileTiming(t.Timing)
			if err != nil {
				bad("%s.timing: %v", loc, err)
				continue
			}
			r.Timing = tm
		}

		if t.FilterAndExtract != "" {
			script, err := ecmascript.Compile(name, t.FilterAndExtract)
			if err != nil {
				bad("%s.filterAndExtract: %v", loc, err)
				continue
			}
			r.Script = script
		}

		if t.Action.Payload != nil {
			tmpl, err := template.Compile(name, t.Action.Payload)
			if err != nil {
				bad("%s.action.payload: %v", loc, err)
				continue
			}
			r.Payload = tmpl
		}

		plan.Rules = append(plan.Rules, r)
	}

	if err := problems(errs); err != nil {
		return nil, err
	}
	return plan, nil
}

// compileClassifier turns a matchAll/matchKey pair into a classifier,
// reporting pattern and path problems through bad, tagged with loc.
func compileClassifier(loc string, all bool, keys map[string]interface{}, bad func(string, ...interface{})) match.Classifier {
	if all {
		return match.All{}
	}
	fields := make([]string, 0, len(keys))
	for field := range keys {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	checks := make([]match.Check, 0, len(fields))
	for _, field := range fields {
		p, err := match.CompilePattern(keys[field])
		if err != nil {
			bad("%s.matchKey.%s: %v", loc, field, err)
			continue
		}
		steps := match.ParsePath(field)
		if len(steps) == 0 {
			bad("%s.matchKey: %q does not address a field", loc, field)
			continue
		}
		checks = append(checks, match.Check{Path: steps, Pattern: p})
	}
	return match.Keys{Checks: checks}
}

func compileTiming(td *TimingDef) (*rules.Timing, error) {
	var tm rules.Timing
	var err error
	if td.From != "" {
		if tm.From, err = rules.ParseDuration(td.From); err != nil {
			return nil, fmt.Errorf("from: %v", err)
		}
	}
	if td.CheckEvery != "" {
		if tm.Every, err = rules.ParseDuration(td.CheckEvery); err != nil {
			return nil, fmt.Errorf("check_every: %v", err)
		}
		if tm.Every == 0 {
			return nil, fmt.Errorf("check_every: zero cadence")
		}
	}
	if td.Until != "" {
		if tm.Until, err = rules.ParseDuration(td.Until); err != nil {
			return nil, fmt.Errorf("until: %v", err)
		}
		if tm.Until == 0 {
			return nil, fmt.Errorf("until: zero horizon")
		}
	}
	if err = tm.Validate(); err != nil {
		return nil, err
	}
	return &tm, nil
}
