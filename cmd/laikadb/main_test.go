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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/baikonur-io/laika/event"
	"github.com/baikonur-io/laika/storage"
)

func seedStore(t *testing.T) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "laika.db")
	s, err := storage.NewStore(filename)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Open(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c, err := s.Load(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	c.Append(event.Event{
		Type:     "login",
		Key:      "u1",
		Received: 1700000000000,
		Data:     map[string]interface{}{"user_id": "u1"},
	})
	c.Touch(1700000000000)
	c.SatisfiedAt["watch"] = 1700000000000
	c.SetTimer("watch", 1700000300000, 0)
	if err = s.Commit(ctx, c, 0); err != nil {
		t.Fatal(err)
	}
	if err = s.Close(); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestKeys(t *testing.T) {
	db := seedStore(t)
	var buf bytes.Buffer
	if err := run(db, []string{"keys"}, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "u1\tgen=0\tv=1\tevents=1\ttimers=1") {
		t.Fatalf("%q", buf.String())
	}
}

func TestDump(t *testing.T) {
	db := seedStore(t)
	var buf bytes.Buffer
	if err := run(db, []string{"dump", "u1"}, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"key": "u1"`, `"login_count": 1`, `"rule": "watch"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}

	if err := run(db, []string{"dump", "ghost"}, &buf); err == nil {
		t.Fatal("dump of a missing key should fail")
	}
}

func TestPendingTimers(t *testing.T) {
	db := seedStore(t)
	var buf bytes.Buffer
	if err := run(db, []string{"timers"}, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "u1\twatch") {
		t.Fatalf("%q", buf.String())
	}
}

func TestReadOnly(t *testing.T) {
	// The inspector must not conjure a store out of a typo.
	missing := filepath.Join(t.TempDir(), "nosuch.db")
	if err := run(missing, []string{"keys"}, &bytes.Buffer{}); err == nil {
		t.Fatal("opened a store that does not exist")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatal("the open created a file")
	}
}

func TestDecodeBatch(t *testing.T) {
	c := event.NewContext("u1")
	c.Append(event.Event{
		Type:     "login",
		Key:      "u1",
		Received: 5,
		Data:     map[string]interface{}{"n": float64(1)},
	})
	c.Version = 1

	row, err := event.EncodeContext(c)
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "row.bin")
	if err = os.WriteFile(file, row, 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err = run("", []string{"batch", file}, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"login_count": 1`) {
		t.Fatalf("%q", buf.String())
	}

	// A bare event batch decodes too.
	batch, err := event.EncodeBatch(event.KindCorrelated, c.Sequence)
	if err != nil {
		t.Fatal(err)
	}
	if err = os.WriteFile(file, batch, 0644); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err = run("", []string{"batch", file}, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"kind": "correlated"`) || !strings.Contains(out, `"event_type": "login"`) {
		t.Fatalf("%q", out)
	}

	if err = run("", []string{"batch", file, "extra"}, &buf); err == nil {
		t.Fatal("batch with two args should fail")
	}
}
