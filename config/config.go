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

// Package config reads the YAML that declares an engine: sources,
// targets, event classifiers, correlation keys, and triggers.
//
// Loading happens in three steps.  Parse maps the YAML onto the
// schema below and remembers declaration order.  Validate checks the
// shape and the references between sections, reporting every problem
// at once.  Build compiles classifiers, scripts, and payload
// templates into a Plan the engine can run.  Load does all three and
// fails fast, so a process never starts on a configuration it cannot
// honor.  There is no reloading; a changed configuration means a
// restart.
package config

import (
	"fmt"
	"os"
	"sort"

	yaml "gopkg.in/yaml.v2"
)

// Config is the parsed YAML surface.
type Config struct {
	Sources     map[string]ConnConfig  `yaml:"sources"`
	Targets     map[string]ConnConfig  `yaml:"targets"`
	Events      map[string]EventDef    `yaml:"events"`
	Correlation map[string]Correlation `yaml:"correlation"`
	Triggers    map[string]TriggerDef  `yaml:"triggers"`

	eventOrder   []string
	triggerOrder []string
}

// ConnConfig describes one source or target connector.  Type selects
// the connector; which of the remaining fields apply depends on it.
// See package sio.
type ConnConfig struct {
	Type string `yaml:"type"`

	// Path is the file to tail (source) or append to (target).
	Path string `yaml:"path,omitempty"`

	// URL is dialed (websocket source) or posted to (http target).
	URL string `yaml:"url,omitempty"`

	// Addr is a listen address for receiving connectors.
	Addr string `yaml:"addr,omitempty"`

	Broker   string `yaml:"broker,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	ClientID string `yaml:"clientId,omitempty"`
	QoS      int    `yaml:"qos,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Match is a classifier default for event types reading from
	// this source: any of them that declares neither matchAll nor
	// matchKey uses it.  Only sources may carry one.
	Match *MatchDef `yaml:"match,omitempty"`
}

// MatchDef is a classifier block.  Exactly one of MatchAll and
// MatchKey must be given.  MatchKey maps field paths to patterns: a
// scalar literal, "*" for any present value, or {regex: EXPR}.
type MatchDef struct {
	MatchAll bool                   `yaml:"matchAll,omitempty"`
	MatchKey map[string]interface{} `yaml:"matchKey,omitempty"`
}

// EventDef declares an event type: the source its records arrive on
// and the classifier that admits them.  At most one of MatchAll and
// MatchKey may be given; an event with neither uses its source's
// match default.  MatchKey maps field paths to patterns: a scalar
// literal, "*" for any present value, or {regex: EXPR}.
type EventDef struct {
	From     string                 `yaml:"from"`
	MatchAll bool                   `yaml:"matchAll,omitempty"`
	MatchKey map[string]interface{} `yaml:"matchKey,omitempty"`

	// Doc feeds the configuration documentation renderer.
	Doc string `yaml:"doc,omitempty"`
}

// Correlation gives the field path of the correlation key for one
// event type, like "$.user_id".  Event types with no entry here are
// not correlated.
type Correlation struct {
	Key string `yaml:"key"`
}

// TriggerDef declares a trigger: what must be present in a context,
// on what schedule to re-check, how to filter and project, and where
// the result goes.
type TriggerDef struct {
	Requires RequiresDef `yaml:"requires"`

	// Timing makes the trigger timer-driven.  Without it the
	// trigger is evaluated as events arrive.
	Timing *TimingDef `yaml:"timing,omitempty"`

	// FilterAndExtract is an ECMAScript function expression of
	// (trigger, ctx).  Empty means the default projection.
	FilterAndExtract string `yaml:"filterAndExtract,omitempty"`

	Action ActionDef `yaml:"action"`

	// Doc feeds the configuration documentation renderer.
	Doc string `yaml:"doc,omitempty"`
}

// RequiresDef names the event types a trigger needs.  Exactly one of
// the two lists must be given.
type RequiresDef struct {
	Exact   []string `yaml:"exact,omitempty"`
	AtLeast []string `yaml:"at_least,omitempty"`
}

// TimingDef holds duration literals like "30s", "5m", "4h".  From
// defaults to zero.  Without check_every the trigger is checked once;
// without until the re-checks have no horizon.
type TimingDef struct {
	From       string `yaml:"from,omitempty"`
	CheckEvery string `yaml:"check_every,omitempty"`
	Until      string `yaml:"until,omitempty"`
}

// ActionDef says what a firing trigger emits.  Payload is a
// JSON-shaped template tree; when absent, the projection itself is
// emitted.
type ActionDef struct {
	Target  string      `yaml:"target"`
	Payload interface{} `yaml:"payload,omitempty"`
}

// Parse reads a configuration from YAML bytes.  Unknown and duplicate
// keys are rejected.  Declaration order of events and triggers is
// kept: it fixes classification order and makes rule evaluation
// deterministic.
func Parse(bs []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(bs, &c); err != nil {
		return nil, fmt.Errorf("parsing configuration: %v", err)
	}

	var shell struct {
		Events   yaml.MapSlice `yaml:"events"`
		Triggers yaml.MapSlice `yaml:"triggers"`
	}
	if err := yaml.Unmarshal(bs, &shell); err != nil {
		return nil, fmt.Errorf("parsing configuration: %v", err)
	}
	for _, item := range shell.Events {
		if name, is := item.Key.(string); is {
			c.eventOrder = append(c.eventOrder, name)
		}
	}
	for _, item := range shell.Triggers {
		if name, is := item.Key.(string); is {
			c.triggerOrder = append(c.triggerOrder, name)
		}
	}

	return &c, nil
}

// Load reads, validates, and compiles the configuration at path.
func Load(path string) (*Config, *Plan, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := Parse(bs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%s: %v", path, err)
	}
	p, err := c.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v", path, err)
	}
	return c, p, nil
}

// EventNames returns event type names in declaration order when the
// configuration came from Parse, and sorted otherwise.
func (c *Config) EventNames() []string {
	if len(c.eventOrder) == len(c.Events) {
		return c.eventOrder
	}
	names := make([]string, 0, len(c.Events))
	for name := range c.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TriggerNames returns trigger names in declaration order when the
// configuration came from Parse, and sorted otherwise.
func (c *Config) TriggerNames() []string {
	if len(c.triggerOrder) == len(c.Triggers) {
		return c.triggerOrder
	}
	names := make([]string, 0, len(c.Triggers))
	for name := range c.Triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
