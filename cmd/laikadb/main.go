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

// laikadb pokes around in a context store.
//
//	laikadb [-d laika.db] keys
//	laikadb [-d laika.db] dump KEY
//	laikadb [-d laika.db] timers
//	laikadb batch [FILE]
//
// The store is opened read-only, so a running engine's store stays
// untouched (though its file lock makes the open time out; stop the
// engine or copy the file first).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/baikonur-io/laika/event"
	"github.com/baikonur-io/laika/storage"
	"github.com/baikonur-io/laika/util"
)

func main() {
	dbFile := flag.String("d", "laika.db", "store filename")
	flag.Parse()

	if err := run(*dbFile, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "laikadb: %v\n", err)
		os.Exit(1)
	}
}

func run(dbFile string, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("no command" + doc())
	}
	cmd, args := args[0], args[1:]

	// batch reads bytes, not the store.
	if cmd == "batch" {
		return decodeBatch(args, w)
	}

	s, err := storage.NewStore(dbFile)
	if err != nil {
		return err
	}
	if err = s.OpenReadOnly(); err != nil {
		return fmt.Errorf("opening %s: %v", dbFile, err)
	}
	defer s.Close()

	ctx := context.Background()
	switch cmd {
	case "keys":
		return keys(ctx, s, w)
	case "dump":
		if len(args) != 1 {
			return errors.New("dump wants exactly one KEY")
		}
		return dump(ctx, s, args[0], w)
	case "timers":
		return pendingTimers(ctx, s, w)
	default:
		return fmt.Errorf("unknown command %q%s", cmd, doc())
	}
}

func keys(ctx context.Context, s *storage.Store, w io.Writer) error {
	return s.EachContext(ctx, func(c *event.Context) error {
		_, err := fmt.Fprintf(w, "%s\tgen=%d\tv=%d\tevents=%d\ttimers=%d\ttouched=%s\n",
			c.Key, c.Generation, c.Version, len(c.Sequence), len(c.Timers), stamp(c.TouchedAt))
		return err
	})
}

func dump(ctx context.Context, s *storage.Store, key string, w io.Writer) error {
	c, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if c.Version == 0 && c.Empty() {
		if 0 < c.Generation {
			return fmt.Errorf("no context for %q (evicted; next generation %d)", key, c.Generation)
		}
		return fmt.Errorf("no context for %q", key)
	}
	return writeContext(w, c)
}

func pendingTimers(ctx context.Context, s *storage.Store, w io.Writer) error {
	due, err := s.DueTimers(ctx, math.MaxInt64, 0)
	if err != nil {
		return err
	}
	for _, d := range due {
		if _, err = fmt.Fprintf(w, "%s\t%s\t%s\n", stamp(d.FireAt), d.Key, d.RuleID); err != nil {
			return err
		}
	}
	return nil
}

// decodeBatch renders persisted bytes as JSON: a context row, or,
// failing that, a bare event batch.
func decodeBatch(args []string, w io.Writer) error {
	var (
		bs  []byte
		err error
	)
	switch len(args) {
	case 0:
		bs, err = io.ReadAll(os.Stdin)
	case 1:
		bs, err = os.ReadFile(args[0])
	default:
		return errors.New("batch wants at most one FILE")
	}
	if err != nil {
		return err
	}

	c, rowErr := event.DecodeContext("", bs)
	if rowErr == nil {
		return writeContext(w, c)
	}

	kind, events, err := event.DecodeBatch(bs)
	if err != nil {
		return fmt.Errorf("not a context row (%v) and not a batch (%v)", rowErr, err)
	}
	kindName := "correlated"
	if kind == event.KindNonCorrelated {
		kindName = "non-correlated"
	}
	out := make([]map[string]interface{}, 0, len(events))
	for i := range events {
		e := &events[i]
		m := map[string]interface{}{
			"event_type": e.Type,
			"received":   stamp(e.Received),
			"data":       e.Data,
		}
		if e.Correlated() {
			m["key"] = e.Key
		} else {
			m["id"] = e.ID
		}
		out = append(out, m)
	}
	return writeJSON(w, map[string]interface{}{
		"kind":   kindName,
		"events": out,
	})
}

func writeContext(w io.Writer, c *event.Context) error {
	timers := make([]map[string]interface{}, 0, len(c.Timers))
	for _, t := range c.Timers {
		timers = append(timers, map[string]interface{}{
			"rule":    t.RuleID,
			"fire_at": stamp(t.FireAt),
		})
	}
	satisfied := make(map[string]string, len(c.SatisfiedAt))
	for rule, ms := range c.SatisfiedAt {
		satisfied[rule] = stamp(ms)
	}
	return writeJSON(w, map[string]interface{}{
		"key":          c.Key,
		"generation":   c.Generation,
		"version":      c.Version,
		"created":      stamp(c.CreatedAt),
		"touched":      stamp(c.TouchedAt),
		"fired":        c.Fired,
		"satisfied_at": satisfied,
		"timers":       timers,
		"view":         c.View(-1),
	})
}

func writeJSON(w io.Writer, x interface{}) error {
	js, err := json.MarshalIndent(x, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(js))
	return err
}

func stamp(ms int64) string {
	return util.FromMs(ms).UTC().Format(time.RFC3339)
}

func doc() string {
	return `
  keys           List correlation keys with their generation and activity
  dump KEY       Print a key's context as JSON
  timers         List pending timers in fire order
  batch [FILE]   Decode a persisted context row or event batch (stdin without FILE)
`
}
