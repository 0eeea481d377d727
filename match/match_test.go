package match

import (
	"encoding/json"
	"errors"
	"testing"
)

func record(t *testing.T, js string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(js), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestParsePath(t *testing.T) {
	for _, c := range []struct {
		in   string
		want []string
	}{
		{"$.user.id", []string{"user", "id"}},
		{"user.id", []string{"user", "id"}},
		{"$.event_type", []string{"event_type"}},
		{"$", []string{}},
		{"$.", []string{}},
	} {
		got := ParsePath(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%s: got %v, wanted %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%s: got %v, wanted %v", c.in, got, c.want)
			}
		}
	}
}

func TestExtract(t *testing.T) {
	rec := record(t, `{"a":{"b":{"c":42}},"n":null,"s":"x"}`)

	v, err := Extract(ParsePath("$.a.b.c"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if v != float64(42) {
		t.Fatal(v)
	}

	// Null is present, not missing.
	v, err = Extract(ParsePath("$.n"), rec)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatal(v)
	}

	// The root itself.
	if v, err = Extract(ParsePath("$"), rec); err != nil {
		t.Fatal(err)
	} else if _, is := v.(map[string]interface{}); !is {
		t.Fatal(v)
	}

	if _, err = Extract(ParsePath("$.a.x"), rec); !errors.Is(err, ErrMissing) {
		t.Fatal(err)
	}

	// Descending through a non-object.
	if _, err = Extract(ParsePath("$.s.y"), rec); !errors.Is(err, ErrMissing) {
		t.Fatal(err)
	}
}

func TestScalar(t *testing.T) {
	for _, c := range []struct {
		in   interface{}
		want string
		ok   bool
	}{
		{"queso", "queso", true},
		{float64(404), "404", true},
		{float64(1.5), "1.5", true},
		{true, "true", true},
		{false, "false", true},
		{json.Number("17"), "17", true},
		{nil, "", false},
		{map[string]interface{}{}, "", false},
		{[]interface{}{1}, "", false},
	} {
		got, ok := Scalar(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("%#v: got %q,%v", c.in, got, ok)
		}
	}
}

func TestPatterns(t *testing.T) {
	lit := Lit("login")
	if !lit.Matches("login") || lit.Matches("logout") {
		t.Fatal(lit)
	}
	if lit.Matches(nil) {
		t.Fatal("literal matched null")
	}

	// Numbers compare through their scalar form.
	if !Lit("404").Matches(float64(404)) {
		t.Fatal("404")
	}

	any := Lit("*")
	if !any.Matches("x") || !any.Matches(nil) || !any.Matches(map[string]interface{}{}) {
		t.Fatal(any)
	}

	re, err := Regex("^prod-")
	if err != nil {
		t.Fatal(err)
	}
	if !re.Matches("prod-7") || re.Matches("dev-prod-") {
		t.Fatal(re)
	}

	if _, err = Regex("("); err == nil {
		t.Fatal("bad regex compiled")
	}
}

func TestCompilePattern(t *testing.T) {
	p, err := CompilePattern("login")
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "login" {
		t.Fatal(p)
	}

	if p, err = CompilePattern("*"); err != nil {
		t.Fatal(err)
	} else if !p.Matches(nil) {
		t.Fatal(p)
	}

	// YAML gives numeric literals as numbers.
	if p, err = CompilePattern(404); err != nil {
		t.Fatal(err)
	} else if !p.Matches(float64(404)) {
		t.Fatal(p)
	}

	if p, err = CompilePattern(map[string]interface{}{"regex": "^a+$"}); err != nil {
		t.Fatal(err)
	} else if !p.Matches("aaa") || p.Matches("ab") {
		t.Fatal(p)
	}

	for _, bad := range []interface{}{
		map[string]interface{}{"regex": 5},
		map[string]interface{}{"rx": "a"},
		map[string]interface{}{"regex": "a", "more": "b"},
		[]interface{}{"a"},
		nil,
	} {
		if _, err := CompilePattern(bad); err == nil {
			t.Fatalf("compiled %#v", bad)
		}
	}
}

func TestKeysClassifier(t *testing.T) {
	rec := record(t, `{"event_type":"login","user":{"id":"u1"},"opt":null}`)

	k := Keys{Checks: []Check{
		{Path: ParsePath("$.event_type"), Pattern: Lit("login")},
		{Path: ParsePath("$.user.id"), Pattern: Lit("*")},
	}}
	if !k.Match(rec) {
		t.Fatal("should have matched")
	}

	// Wildcard accepts a present null.
	k = Keys{Checks: []Check{{Path: ParsePath("$.opt"), Pattern: Lit("*")}}}
	if !k.Match(rec) {
		t.Fatal("null is present")
	}

	// A literal does not.
	k = Keys{Checks: []Check{{Path: ParsePath("$.opt"), Pattern: Lit("x")}}}
	if k.Match(rec) {
		t.Fatal("literal matched null")
	}

	// A missing field fails even the wildcard.
	k = Keys{Checks: []Check{{Path: ParsePath("$.nope"), Pattern: Lit("*")}}}
	if k.Match(rec) {
		t.Fatal("missing field matched")
	}
}

func TestMatchTypes(t *testing.T) {
	defs := []TypeDef{
		{Name: "login", Source: "auth", Classifier: Keys{Checks: []Check{
			{Path: ParsePath("$.event_type"), Pattern: Lit("login")},
		}}},
		{Name: "any_auth", Source: "auth", Classifier: All{}},
		{Name: "purchase", Source: "shop", Classifier: All{}},
	}

	rec := record(t, `{"event_type":"login"}`)

	got := Match(defs, "auth", rec)
	if len(got) != 2 || got[0] != "login" || got[1] != "any_auth" {
		t.Fatal(got)
	}

	got = Match(defs, "shop", rec)
	if len(got) != 1 || got[0] != "purchase" {
		t.Fatal(got)
	}

	got = Match(defs, "metrics", rec)
	if got != nil {
		t.Fatal(got)
	}

	rec = record(t, `{"event_type":"logout"}`)
	if got = Match(defs, "auth", rec); len(got) != 1 || got[0] != "any_auth" {
		t.Fatal(got)
	}
}

func TestTypeDefCorrelated(t *testing.T) {
	d := TypeDef{Name: "x", Source: "s", Classifier: All{}}
	if d.Correlated() {
		t.Fatal("no key path")
	}
	d.KeyPath = ParsePath("$.user.id")
	if !d.Correlated() {
		t.Fatal("key path set")
	}
}
