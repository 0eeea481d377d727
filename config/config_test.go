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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

var testConfig = `
sources:
  auth:
    type: stdio
  shop:
    type: mqtt
    broker: tcp://localhost:1883
    topic: laika/shop

targets:
  console:
    type: stdio
  alerts:
    type: http
    url: http://localhost:8080/alerts

events:
  login:
    from: auth
    matchKey:
      event_type: login
  purchase:
    from: shop
    doc: A completed checkout.
    matchKey:
      event_type: purchase
      user: {regex: "^u[0-9]+$"}
  heartbeat:
    from: auth
    matchAll: true

correlation:
  login:
    key: $.user_id
  purchase:
    key: $.user

triggers:
  onLogin:
    requires:
      exact: [login]
    action:
      target: console
      payload:
        user: "${{ trigger.event.user_id }}"
  loyalCustomer:
    doc: Fires while a user keeps buying.
    requires:
      at_least: [login, purchase]
    timing:
      from: 30m
      check_every: 30m
      until: 4h
    filterAndExtract: |
      (trigger, ctx) => 2 <= ctx.meta.purchase_count
        ? {user: ctx.events.purchase[0].data.user, n: ctx.meta.purchase_count}
        : null
    action:
      target: alerts
`

func parseConfig(t *testing.T, src string) *Config {
	t.Helper()
	c, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestParseFull(t *testing.T) {
	c := parseConfig(t, testConfig)

	if got := c.EventNames(); !reflect.DeepEqual(got, []string{"login", "purchase", "heartbeat"}) {
		t.Fatalf("event order %v", got)
	}
	if got := c.TriggerNames(); !reflect.DeepEqual(got, []string{"onLogin", "loyalCustomer"}) {
		t.Fatalf("trigger order %v", got)
	}

	if c.Sources["shop"].Broker != "tcp://localhost:1883" {
		t.Fatalf("shop source: %#v", c.Sources["shop"])
	}
	if c.Targets["alerts"].URL != "http://localhost:8080/alerts" {
		t.Fatalf("alerts target: %#v", c.Targets["alerts"])
	}

	if c.Events["purchase"].Doc == "" {
		t.Fatal("lost purchase doc")
	}
	if c.Events["heartbeat"].MatchAll != true {
		t.Fatal("heartbeat should matchAll")
	}
	if c.Correlation["login"].Key != "$.user_id" {
		t.Fatalf("login correlation: %#v", c.Correlation["login"])
	}

	loyal := c.Triggers["loyalCustomer"]
	if loyal.Timing == nil || loyal.Timing.CheckEvery != "30m" {
		t.Fatalf("loyalCustomer timing: %#v", loyal.Timing)
	}
	if loyal.FilterAndExtract == "" {
		t.Fatal("lost loyalCustomer script")
	}
	if loyal.Doc == "" {
		t.Fatal("lost loyalCustomer doc")
	}
}

func TestBuildFull(t *testing.T) {
	c := parseConfig(t, testConfig)
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	plan, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Types) != 3 {
		t.Fatalf("got %d types", len(plan.Types))
	}

	login := plan.Types[0]
	if login.Name != "login" || login.Source != "auth" {
		t.Fatalf("types[0]: %#v", login)
	}
	if !login.Classifier.Match(map[string]interface{}{"event_type": "login"}) {
		t.Fatal("login classifier rejected a login")
	}
	if login.Classifier.Match(map[string]interface{}{"event_type": "logout"}) {
		t.Fatal("login classifier admitted a logout")
	}
	if !reflect.DeepEqual(login.KeyPath, []string{"user_id"}) {
		t.Fatalf("login key path %v", login.KeyPath)
	}

	purchase := plan.Types[1]
	if !purchase.Classifier.Match(map[string]interface{}{
		"event_type": "purchase",
		"user":       "u42",
	}) {
		t.Fatal("purchase classifier rejected u42")
	}
	if purchase.Classifier.Match(map[string]interface{}{
		"event_type": "purchase",
		"user":       "x42",
	}) {
		t.Fatal("purchase classifier admitted x42")
	}

	heartbeat := plan.Types[2]
	if !heartbeat.Classifier.Match(map[string]interface{}{"anything": true}) {
		t.Fatal("heartbeat should admit anything")
	}
	if heartbeat.Correlated() {
		t.Fatal("heartbeat should not be correlated")
	}

	if len(plan.Rules) != 2 {
		t.Fatalf("got %d rules", len(plan.Rules))
	}

	onLogin := plan.Rules[0]
	if onLogin.ID != "onLogin" || onLogin.Timed() || onLogin.Script != nil {
		t.Fatalf("rules[0]: %#v", onLogin)
	}
	if onLogin.Payload == nil || onLogin.Target != "console" {
		t.Fatalf("rules[0] action: %#v", onLogin)
	}

	loyal := plan.Rules[1]
	if !loyal.Timed() || loyal.Script == nil {
		t.Fatalf("rules[1]: %#v", loyal)
	}
	if loyal.Timing.From != 30*60*1000 ||
		loyal.Timing.Every != 30*60*1000 ||
		loyal.Timing.Until != 4*60*60*1000 {
		t.Fatalf("rules[1] timing: %#v", loyal.Timing)
	}
	if loyal.Payload != nil {
		t.Fatal("rules[1] should emit its projection as-is")
	}
}

func TestDeclarationOrder(t *testing.T) {
	c := parseConfig(t, `
sources:
  s: {type: stdio}
targets:
  out: {type: stdio}
events:
  zebra:
    from: s
    matchAll: true
  apple:
    from: s
    matchAll: true
  mango:
    from: s
    matchAll: true
triggers:
  second:
    requires: {exact: [apple]}
    action: {target: out}
  first:
    requires: {exact: [zebra]}
    action: {target: out}
`)
	if got := c.EventNames(); !reflect.DeepEqual(got, []string{"zebra", "apple", "mango"}) {
		t.Fatalf("event order %v", got)
	}
	if got := c.TriggerNames(); !reflect.DeepEqual(got, []string{"second", "first"}) {
		t.Fatalf("trigger order %v", got)
	}

	// A hand-made Config has no declaration order to go by.
	made := &Config{
		Events: map[string]EventDef{
			"b": {}, "a": {}, "c": {},
		},
	}
	if got := made.EventNames(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("sorted fallback %v", got)
	}
}

func wantProblems(t *testing.T, err error, tags ...string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, tag := range tags {
		if !strings.Contains(err.Error(), tag) {
			t.Errorf("error lacks %q:\n%v", tag, err)
		}
	}
}

func TestValidateAccumulates(t *testing.T) {
	c := parseConfig(t, `
sources:
  s: {type: stdio}
targets:
  out: {type: stdio}
events:
  ghost:
    from: nosuch
    matchKey: {a: 1}
  confused:
    from: s
    matchAll: true
    matchKey: {a: 1}
  bare:
    from: s
correlation:
  phantom:
    key: $.x
  ghost:
    key: ""
triggers:
  broken:
    requires:
      exact: [ghost]
      at_least: [ghost]
    action: {target: nowhere}
  empty:
    requires: {}
    action: {target: out}
  wants:
    requires: {at_least: [ghost, unknowable]}
    action: {target: out}
`)
	wantProblems(t, c.Validate(),
		`events.ghost: unknown source "nosuch"`,
		"events.confused: matchAll and matchKey are mutually exclusive",
		"events.bare: needs matchAll, matchKey, or a match default on its source",
		"correlation.phantom: unknown event type",
		"correlation.ghost: key is required",
		"triggers.broken.requires: exact and at_least are mutually exclusive",
		`triggers.broken.action: unknown target "nowhere"`,
		"triggers.empty.requires: exact or at_least is required",
		`triggers.wants.requires.at_least: unknown event type "unknowable"`,
	)
}

func TestSourceMatchDefault(t *testing.T) {
	c := parseConfig(t, `
sources:
  feed:
    type: stdio
    match:
      matchKey:
        kind: reading
targets:
  out: {type: stdio}
events:
  reading:
    from: feed
  spike:
    from: feed
    matchKey:
      value: {regex: "^9[0-9][0-9]$"}
correlation:
  reading:
    key: $.sensor
triggers:
  onReading:
    requires: {exact: [reading]}
    action: {target: out}
`)
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	plan, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}

	reading := plan.Types[0]
	if !reading.Classifier.Match(map[string]interface{}{"kind": "reading"}) {
		t.Fatal("inherited classifier rejected a reading")
	}
	if reading.Classifier.Match(map[string]interface{}{"kind": "alarm"}) {
		t.Fatal("inherited classifier admitted an alarm")
	}

	// Declaring matchKey replaces the default outright.
	spike := plan.Types[1]
	if !spike.Classifier.Match(map[string]interface{}{"value": "950"}) {
		t.Fatal("spike classifier rejected 950")
	}
	if spike.Classifier.Match(map[string]interface{}{"kind": "reading", "value": "100"}) {
		t.Fatal("spike classifier admitted 100")
	}
}

func TestSourceMatchValidation(t *testing.T) {
	c := parseConfig(t, `
sources:
  both:
    type: stdio
    match:
      matchAll: true
      matchKey: {a: 1}
  neither:
    type: stdio
    match: {}
targets:
  out:
    type: stdio
    match: {matchAll: true}
events:
  e:
    from: both
    matchAll: true
triggers:
  t:
    requires: {exact: [e]}
    action: {target: out}
`)
	wantProblems(t, c.Validate(),
		"sources.both.match: matchAll and matchKey are mutually exclusive",
		"sources.neither.match: needs matchAll or matchKey",
		"targets.out: match applies only to sources",
	)
}

func TestBuildTimingDefaults(t *testing.T) {
	c := parseConfig(t, `
sources:
  s: {type: stdio}
targets:
  out: {type: stdio}
events:
  e:
    from: s
    matchAll: true
triggers:
  once:
    requires: {exact: [e]}
    timing:
      from: 5m
    action: {target: out}
  forever:
    requires: {exact: [e]}
    timing:
      check_every: 1m
    action: {target: out}
`)
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	plan, err := c.Build()
	if err != nil {
		t.Fatal(err)
	}

	once := plan.Rules[0].Timing
	if once.From != 5*60*1000 || once.Repeats() || once.Until != 0 {
		t.Fatal(once)
	}

	forever := plan.Rules[1].Timing
	if forever.From != 0 || forever.Every != 60*1000 {
		t.Fatal(forever)
	}
	if !forever.Within(1<<40, 0) {
		t.Fatal("no horizon")
	}
}

func TestBuildTimingZeroes(t *testing.T) {
	c := parseConfig(t, `
sources:
  s: {type: stdio}
targets:
  out: {type: stdio}
events:
  e:
    from: s
    matchAll: true
triggers:
  stuck:
    requires: {exact: [e]}
    timing:
      check_every: 0s
      until: 0m
    action: {target: out}
`)
	_, err := c.Build()
	wantProblems(t, err,
		"triggers.stuck.timing: check_every: zero cadence",
	)
}

func TestValidateEmpty(t *testing.T) {
	c := parseConfig(t, "{}")
	wantProblems(t, c.Validate(),
		"events: at least one event type is required",
		"triggers: at least one trigger is required",
	)
}

func TestBuildAccumulates(t *testing.T) {
	c := parseConfig(t, `
sources:
  s:
    type: stdio
    match:
      matchKey:
        flag: {regex: "("}
targets:
  out: {type: stdio}
events:
  e:
    from: s
    matchKey:
      name: {regex: "["}
triggers:
  slow:
    requires: {exact: [e]}
    timing:
      from: 5m
      check_every: 1fortnight
      until: 1h
    action: {target: out}
  unparsable:
    requires: {exact: [e]}
    filterAndExtract: "(trigger, ctx) => {"
    action: {target: out}
  mangled:
    requires: {exact: [e]}
    action:
      target: out
      payload:
        x: "${{ ) }}"
`)
	_, err := c.Build()
	wantProblems(t, err,
		"sources.s.match.matchKey.flag:",
		"events.e.matchKey.name:",
		"triggers.slow.timing: check_every:",
		"triggers.unparsable.filterAndExtract:",
		"triggers.mangled.action.payload:",
	)
}

func TestBuildTimingBounds(t *testing.T) {
	c := parseConfig(t, `
sources:
  s: {type: stdio}
targets:
  out: {type: stdio}
events:
  e:
    from: s
    matchAll: true
triggers:
  backwards:
    requires: {exact: [e]}
    timing:
      from: 2h
      check_every: 10m
      until: 1h
    action: {target: out}
`)
	_, err := c.Build()
	wantProblems(t, err, "triggers.backwards.timing:", "until precedes from")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte(`
sources:
  s: {type: stdio, flavor: grape}
`)); err == nil {
		t.Fatal("unknown connector key should be rejected")
	}
	if _, err := Parse([]byte(`
events:
  e:
    from: s
    matchKeyz: {a: 1}
`)); err == nil {
		t.Fatal("misspelled matchKey should be rejected")
	}
}

func TestParseRejectsDuplicates(t *testing.T) {
	if _, err := Parse([]byte(`
triggers:
  twin:
    requires: {exact: [e]}
    action: {target: out}
  twin:
    requires: {exact: [e]}
    action: {target: out}
`)); err == nil {
		t.Fatal("duplicate trigger names should be rejected")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "laika.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}

	c, plan, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || plan == nil {
		t.Fatal("Load returned nothing")
	}
	if len(plan.Rules) != 2 {
		t.Fatalf("got %d rules", len(plan.Rules))
	}

	if _, _, err = Load(filepath.Join(dir, "nosuch.yaml")); err == nil {
		t.Fatal("missing file should be an error")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("events: {e: {from: ghost, matchAll: true}}\ntriggers: {}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err = Load(bad); err == nil {
		t.Fatal("invalid configuration should be an error")
	}
}
