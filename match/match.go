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

// Package match classifies parsed records into event types.
//
// A record arrives from a named source as a JSON object.  Each event
// type declares the source it listens on and a classifier over the
// record's fields.  One record can belong to zero, one, or several
// types; classification order follows declaration order.
package match

import (
	"fmt"
	"regexp"
)

// Pattern matches a single extracted field value.  A pattern is a
// literal string, the "*" wildcard, or a compiled regular expression.
type Pattern struct {
	literal string
	any     bool
	re      *regexp.Regexp
}

// Lit makes a literal pattern.  The string "*" is the wildcard, which
// accepts any value that is present in the record.
func Lit(s string) Pattern {
	if s == "*" {
		return Pattern{any: true}
	}
	return Pattern{literal: s}
}

// Regex compiles a regular expression pattern.  The expression is
// anchored implicitly by the author, not by us.
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("bad pattern /%s/: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

// CompilePattern builds a Pattern from a configuration value: a plain
// scalar is a literal (or the "*" wildcard), and a map of the form
// {"regex": EXPR} is a regular expression.
func CompilePattern(v interface{}) (Pattern, error) {
	if m, is := mapOf(v); is {
		expr, have := m["regex"]
		if !have || len(m) != 1 {
			return Pattern{}, fmt.Errorf("pattern object must have exactly a \"regex\" key (got %#v)", v)
		}
		s, is := expr.(string)
		if !is {
			return Pattern{}, fmt.Errorf("regex must be a string (got %#v)", expr)
		}
		return Regex(s)
	}
	s, ok := Scalar(v)
	if !ok {
		return Pattern{}, fmt.Errorf("pattern must be a scalar or {\"regex\": EXPR} (got %#v)", v)
	}
	return Lit(s), nil
}

// mapOf accepts both JSON-style and YAML-style maps.
func mapOf(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, kv := range m {
			s, is := k.(string)
			if !is {
				return nil, false
			}
			out[s] = kv
		}
		return out, true
	}
	return nil, false
}

// Matches reports whether the extracted value satisfies the pattern.
// The wildcard accepts anything present, including null and composite
// values.  Literals and regexes compare against the value's scalar
// string form, so non-scalar values never satisfy them.
func (p Pattern) Matches(v interface{}) bool {
	if p.any {
		return true
	}
	s, ok := Scalar(v)
	if !ok {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return p.literal == s
}

// String renders the pattern in its configuration form.
func (p Pattern) String() string {
	switch {
	case p.any:
		return "*"
	case p.re != nil:
		return "/" + p.re.String() + "/"
	default:
		return p.literal
	}
}

// A Classifier decides whether a record belongs to an event type.
type Classifier interface {
	Match(data interface{}) bool
}

// All accepts every record from the type's source.
type All struct{}

func (All) Match(interface{}) bool {
	return true
}

// Check pairs a field path with the pattern its value must satisfy.
type Check struct {
	Path    []string
	Pattern Pattern
}

// Keys accepts a record when every check passes: each path resolves
// to a present value and that value satisfies its pattern.  A missing
// field fails its check even against the wildcard.
type Keys struct {
	Checks []Check
}

func (k Keys) Match(data interface{}) bool {
	for _, c := range k.Checks {
		v, err := Extract(c.Path, data)
		if err != nil {
			return false
		}
		if !c.Pattern.Matches(v) {
			return false
		}
	}
	return true
}

// TypeDef binds an event type name to the source it listens on, the
// classifier that admits records, and the optional correlation key
// path.  A nil KeyPath means instances of the type are not correlated.
type TypeDef struct {
	Name       string
	Source     string
	Classifier Classifier
	KeyPath    []string
}

// Correlated reports whether the type participates in correlation.
func (d *TypeDef) Correlated() bool {
	return d.KeyPath != nil
}

// Match classifies a record against the given type definitions and
// returns the names of every type that admits it, in definition
// order.  Only types listening on the record's source are considered.
func Match(defs []TypeDef, source string, data interface{}) []string {
	var names []string
	for i := range defs {
		d := &defs[i]
		if d.Source != source {
			continue
		}
		if d.Classifier.Match(data) {
			names = append(names, d.Name)
		}
	}
	return names
}
