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

package match

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrMissing is returned by Extract when a path step names a field
// that does not exist.  A field holding null is present, not missing.
var ErrMissing = errors.New("no such field")

// ParsePath parses a dotted field path like "$.user.id" or "user.id"
// into its steps.  A leading "$" refers to the record root and is
// optional.  Empty steps are dropped, so "$." and "$" both address
// the root.
func ParsePath(s string) []string {
	s = strings.TrimPrefix(s, "$")
	parts := strings.Split(s, ".")
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			steps = append(steps, p)
		}
	}
	return steps
}

// Extract walks the parsed path through nested JSON objects and
// returns the addressed value.  Anything other than an object in the
// middle of the path, or an absent field, is ErrMissing.
func Extract(steps []string, v interface{}) (interface{}, error) {
	for _, step := range steps {
		m, is := v.(map[string]interface{})
		if !is {
			return nil, ErrMissing
		}
		x, have := m[step]
		if !have {
			return nil, ErrMissing
		}
		v = x
	}
	return v, nil
}

// Scalar renders a JSON scalar as its string form: strings as-is,
// numbers in their minimal JSON form, booleans as "true"/"false".
// Null, arrays, and objects are not scalars.
func Scalar(v interface{}) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, true
	case float64:
		js, err := json.Marshal(vv)
		if err != nil {
			return "", false
		}
		return string(js), true
	case json.Number:
		return vv.String(), true
	case int:
		return strconv.Itoa(vv), true
	case int64:
		return strconv.FormatInt(vv, 10), true
	case bool:
		if vv {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
