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

// Package template renders action payloads.
//
// A payload template is a JSON-shaped tree.  String leaves (and map
// keys) may contain one or more "${{ expr }}" occurrences, where expr
// is an ECMAScript expression evaluated against the firing rule's
// projection.  A string that is exactly one expression keeps the
// expression's native type; an expression mixed into surrounding text
// is stringified.  Expressions are compiled once at configuration
// load.
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/baikonur-io/laika/interpreters/ecmascript"

	"github.com/dop251/goja"
)

// Template is a compiled payload template.
type Template struct {
	// Name identifies the template in errors, usually the trigger
	// name it belongs to.
	Name string

	// CPU bounds a whole render.  Zero means the ecmascript
	// default.
	CPU time.Duration

	root node
}

// Compile walks a JSON-shaped tree and compiles every "${{ expr }}"
// occurrence found in its strings.  A malformed occurrence (no
// closing "}}") is kept as literal text; an expression that does not
// compile is an error, fatal at configuration load.
func Compile(name string, tree interface{}) (*Template, error) {
	root, err := compileNode(name, tree)
	if err != nil {
		return nil, err
	}
	return &Template{Name: name, root: root}, nil
}

// Scope builds the expression scope for a projection: the extra
// bindings (trigger, events, meta) plus the projection's top-level
// keys.  A projection that is not an object is exposed as "value".
func Scope(projection interface{}, extra map[string]interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(extra)+4)
	for k, v := range extra {
		scope[k] = v
	}
	if m, is := projection.(map[string]interface{}); is {
		for k, v := range m {
			scope[k] = v
		}
	} else {
		scope["value"] = projection
	}
	return scope
}

// Render evaluates the template against the given scope.  Expression
// failures never fail the render: a failed or missing expression
// becomes null (sole-expression position) or the empty string (mixed
// into text), and the error is reported in the returned slice for
// counting.
func (t *Template) Render(ctx context.Context, scope map[string]interface{}) (interface{}, []error) {
	o := goja.New()
	ecmascript.Bind(o)

	// Expressions can modify values, and the scope shares
	// structure with the committed context.  So:
	safe, err := ecmascript.Canonicalize(scope, 0)
	if err != nil {
		return nil, []error{fmt.Errorf("%s: scope not serializable: %v", t.Name, err)}
	}
	for k, v := range safe.(map[string]interface{}) {
		o.Set(k, v)
	}

	cpu := t.CPU
	if cpu <= 0 {
		cpu = ecmascript.DefaultLimits.CPU
	}
	ictx, cancel := context.WithTimeout(ctx, cpu)
	defer cancel()
	go func() {
		<-ictx.Done()
		o.Interrupt(ecmascript.InterruptedMessage)
	}()

	var errs []error
	out := t.root.render(o, t.Name, &errs)
	return out, errs
}

type node interface {
	render(o *goja.Runtime, name string, errs *[]error) interface{}
}

// litNode passes non-string scalars through untouched.
type litNode struct {
	v interface{}
}

func (n litNode) render(*goja.Runtime, string, *[]error) interface{} {
	return n.v
}

type arrNode struct {
	elems []node
}

func (n arrNode) render(o *goja.Runtime, name string, errs *[]error) interface{} {
	xs := make([]interface{}, len(n.elems))
	for i, e := range n.elems {
		xs[i] = e.render(o, name, errs)
	}
	return xs
}

type mapEntry struct {
	key *strNode
	val node
}

type mapNode struct {
	entries []mapEntry
}

func (n mapNode) render(o *goja.Runtime, name string, errs *[]error) interface{} {
	m := make(map[string]interface{}, len(n.entries))
	for _, e := range n.entries {
		m[e.key.renderString(o, name, errs)] = e.val.render(o, name, errs)
	}
	return m
}

// segment is a run of literal text or one compiled expression.
type segment struct {
	text string
	src  string
	prog *goja.Program
}

type strNode struct {
	segs []segment
}

func (n *strNode) render(o *goja.Runtime, name string, errs *[]error) interface{} {
	if len(n.segs) == 1 && n.segs[0].prog != nil {
		// Sole expression: the native type survives.
		v, err := eval(o, n.segs[0].prog)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: ${{ %s }}: %v", name, n.segs[0].src, err))
			return nil
		}
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil
		}
		x, err := ecmascript.Canonicalize(v.Export(), 0)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: ${{ %s }}: %v", name, n.segs[0].src, err))
			return nil
		}
		return x
	}
	return n.renderString(o, name, errs)
}

func (n *strNode) renderString(o *goja.Runtime, name string, errs *[]error) string {
	var b strings.Builder
	for _, seg := range n.segs {
		if seg.prog == nil {
			b.WriteString(seg.text)
			continue
		}
		v, err := eval(o, seg.prog)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: ${{ %s }}: %v", name, seg.src, err))
			continue
		}
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if goja.IsNull(v) {
			b.WriteString("null")
			continue
		}
		x := v.Export()
		if s, is := x.(string); is {
			b.WriteString(s)
			continue
		}
		js, err := json.Marshal(&x)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: ${{ %s }}: %v", name, seg.src, err))
			continue
		}
		b.Write(js)
	}
	return b.String()
}

func eval(o *goja.Runtime, p *goja.Program) (goja.Value, error) {
	return ecmascript.RunProgram(o, p)
}

func compileNode(name string, v interface{}) (node, error) {
	switch vv := v.(type) {
	case string:
		return compileString(name, vv)
	case map[string]interface{}:
		n := mapNode{entries: make([]mapEntry, 0, len(vv))}
		for k, x := range vv {
			e, err := compileEntry(name, k, x)
			if err != nil {
				return nil, err
			}
			n.entries = append(n.entries, e)
		}
		return n, nil
	case map[interface{}]interface{}:
		// YAML decoders hand maps over with interface{} keys.
		n := mapNode{entries: make([]mapEntry, 0, len(vv))}
		for k, x := range vv {
			s, is := k.(string)
			if !is {
				return nil, fmt.Errorf("%s: template key %#v is not a string", name, k)
			}
			e, err := compileEntry(name, s, x)
			if err != nil {
				return nil, err
			}
			n.entries = append(n.entries, e)
		}
		return n, nil
	case []interface{}:
		n := arrNode{elems: make([]node, len(vv))}
		for i, x := range vv {
			e, err := compileNode(name, x)
			if err != nil {
				return nil, err
			}
			n.elems[i] = e
		}
		return n, nil
	default:
		return litNode{v: vv}, nil
	}
}

func compileEntry(name, key string, val interface{}) (mapEntry, error) {
	k, err := compileString(name, key)
	if err != nil {
		return mapEntry{}, err
	}
	v, err := compileNode(name, val)
	if err != nil {
		return mapEntry{}, err
	}
	return mapEntry{key: k, val: v}, nil
}

func compileString(name, s string) (*strNode, error) {
	n := &strNode{}
	for _, raw := range lex(s) {
		if raw.prog {
			p, err := goja.Compile(name, "("+raw.s+"\n)", true)
			if err != nil {
				return nil, fmt.Errorf("%s: ${{ %s }}: %v", name, raw.s, err)
			}
			n.segs = append(n.segs, segment{src: raw.s, prog: p})
			continue
		}
		n.segs = append(n.segs, segment{text: raw.s})
	}
	return n, nil
}

type rawSeg struct {
	s    string
	prog bool
}

// lex splits a string into literal text and expression sources.  An
// opener with no closing "}}" stays literal, and scanning continues
// right after it.
func lex(s string) []rawSeg {
	var (
		segs []rawSeg
		text strings.Builder
	)
	for {
		start := strings.Index(s, "${{")
		if start < 0 {
			text.WriteString(s)
			break
		}
		end := strings.Index(s[start+3:], "}}")
		if end < 0 {
			text.WriteString(s[:start+3])
			s = s[start+3:]
			continue
		}
		text.WriteString(s[:start])
		if text.Len() > 0 {
			segs = append(segs, rawSeg{s: text.String()})
			text.Reset()
		}
		expr := strings.TrimSpace(s[start+3 : start+3+end])
		segs = append(segs, rawSeg{s: expr, prog: true})
		s = s[start+3+end+2:]
	}
	if text.Len() > 0 {
		segs = append(segs, rawSeg{s: text.String()})
	}
	return segs
}
