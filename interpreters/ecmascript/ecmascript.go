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

// Package ecmascript runs trigger filter/extract scripts on Goja,
// which is a Go implementation of ECMAScript 5.1+.
//
// A script is a function expression taking (trigger, ctx).  It is
// compiled once at configuration load and run on a fresh runtime per
// invocation, so scripts cannot leak state into each other.
//
// See https://github.com/dop251/goja.
package ecmascript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"
)

var (
	// InterruptedMessage is the string value of Interrupted.
	InterruptedMessage = "RuntimeError: timeout"

	// Interrupted is returned by Run if the execution is
	// interrupted.
	Interrupted = errors.New(InterruptedMessage)
)

// Limits caps a single script invocation.
type Limits struct {
	// CPU bounds execution wall time.  The runtime is interrupted
	// when it elapses.
	CPU time.Duration

	// ResultBytes bounds the serialized size of the value the
	// script returns.
	ResultBytes int64
}

// DefaultLimits are applied where a Script carries none.
var DefaultLimits = Limits{
	CPU:         50 * time.Millisecond,
	ResultBytes: 16 << 20,
}

// Script is a compiled filter/extract function.
type Script struct {
	// Name identifies the script in errors, usually the trigger
	// name it belongs to.
	Name string

	Limits Limits

	src     string
	program *goja.Program
}

func wrapSrc(src string) string {
	return fmt.Sprintf("(%s\n)(_.trigger, _.ctx);\n", src)
}

// Compile compiles a function expression of (trigger, ctx).  A
// compilation error here is fatal at configuration load.
func Compile(name, src string) (*Script, error) {
	code := wrapSrc(src)
	program, err := goja.Compile(name, code, true)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %v", name, err)
	}
	return &Script{
		Name:    name,
		Limits:  DefaultLimits,
		src:     src,
		program: program,
	}, nil
}

func (s *Script) String() string {
	return s.Name
}

func protest(o *goja.Runtime, x interface{}) {
	panic(o.ToValue(x))
}

// Run invokes the script with the given trigger and context view,
// both plain JSON-shaped maps.  It returns the canonicalized
// projection, or nil when the script elects not to fire by returning
// null or undefined.
func (s *Script) Run(ctx context.Context, trigger, view map[string]interface{}) (interface{}, error) {
	o := goja.New()

	// This interpreter allows code to modify values, and we don't
	// want any side effects on the committed context.  So:
	tcopy, err := deepCopy(trigger)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", s.Name, err)
	}
	vcopy, err := deepCopy(view)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", s.Name, err)
	}

	o.Set("_", map[string]interface{}{
		"trigger": tcopy,
		"ctx":     vcopy,
	})
	Bind(o)

	limits := s.Limits
	if limits.CPU <= 0 {
		limits.CPU = DefaultLimits.CPU
	}
	if limits.ResultBytes <= 0 {
		limits.ResultBytes = DefaultLimits.ResultBytes
	}

	// We want to make sure that the following goroutine is
	// terminated as soon as possible.
	ictx, cancel := context.WithTimeout(ctx, limits.CPU)
	go func() {
		<-ictx.Done()
		// If Run calls cancel() after RunProgram returns, then
		// the interrupt lands on a runtime that will never run
		// again, which is the behavior we want.  In that case,
		// we weren't actually interrupted.
		o.Interrupt(InterruptedMessage)
	}()

	v, err := RunProgram(o, s.program)
	cancel()

	if err != nil {
		if _, is := err.(*goja.InterruptedError); is {
			return nil, Interrupted
		}
		return nil, fmt.Errorf("%s: %v", s.Name, err)
	}

	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return nil, nil
	}

	x := v.Export()
	if x == nil {
		return nil, nil
	}

	y, err := Canonicalize(x, limits.ResultBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", s.Name, err)
	}
	return y, nil
}

// Bind installs the helper functions every script and template
// expression may call.
//
//	duration(a, b): milliseconds between two timestamps.
//	seconds(n), minutes(n), hours(n): durations in milliseconds.
//	now(): the current time in epoch milliseconds.
//	cronNext(s): the next time for the given crontab expression,
//	  formatted in time.RFC3339Nano (UTC).
func Bind(o *goja.Runtime) {
	num := func(x interface{}) float64 {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		switch vv := x.(type) {
		case int64:
			return float64(vv)
		case float64:
			return vv
		}
		protest(o, fmt.Sprintf("not a number (%T)", x))
		return 0
	}

	o.Set("duration", func(a, b interface{}) interface{} {
		d := num(b) - num(a)
		if d < 0 {
			d = -d
		}
		return int64(d)
	})

	o.Set("seconds", func(n interface{}) interface{} {
		return int64(num(n) * 1000)
	})

	o.Set("minutes", func(n interface{}) interface{} {
		return int64(num(n) * 60 * 1000)
	})

	o.Set("hours", func(n interface{}) interface{} {
		return int64(num(n) * 60 * 60 * 1000)
	})

	o.Set("now", func() interface{} {
		return time.Now().UnixMilli()
	})

	// cronNext parses the given string as a crontab expression
	// using github.com/gorhill/cronexpr.
	o.Set("cronNext", func(x interface{}) interface{} {
		switch vv := x.(type) {
		case goja.Value:
			x = vv.Export()
		}
		expr, is := x.(string)
		if !is {
			protest(o, "not a string")
		}
		c, err := cronexpr.Parse(expr)
		if err != nil {
			protest(o, err.Error())
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	})
}

// Canonicalize round-trips a value through JSON so scripts hand back
// plain maps, slices, and scalars, and nothing else.  A max of zero
// means no size limit.
func Canonicalize(x interface{}, max int64) (interface{}, error) {
	js, err := json.Marshal(&x)
	if err != nil {
		return nil, fmt.Errorf("projection not serializable: %v", err)
	}
	if 0 < max && int64(len(js)) > max {
		return nil, fmt.Errorf("projection is %d bytes; limit %d", len(js), max)
	}
	var y interface{}
	if err = json.Unmarshal(js, &y); err != nil {
		return nil, err
	}
	return y, nil
}

func deepCopy(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return map[string]interface{}{}, nil
	}
	x, err := Canonicalize(m, 0)
	if err != nil {
		return nil, err
	}
	c, is := x.(map[string]interface{})
	if !is {
		return nil, fmt.Errorf("internal error: %#v copy failed", m)
	}
	return c, nil
}

// RunProgram runs a compiled program, turning runtime panics into
// errors.
func RunProgram(o *goja.Runtime, p *goja.Program) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ierr, is := r.(*goja.InterruptedError); is {
				err = ierr
				return
			}
			err = fmt.Errorf("%s", r)
		}
	}()
	return o.RunProgram(p)
}
