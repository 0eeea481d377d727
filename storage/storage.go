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

// Package storage persists correlation contexts and their pending
// timers in a bbolt database.
//
// Layout: one row per correlation key in "contexts" holding the
// serialized context; one row per pending timer in "timers" whose key
// is (fire_at_ms, correlation_key, rule_id) so a cursor scan yields
// due timers in fire order; and a generation tombstone per evicted
// key in "generations" so a recreated context starts a fresh
// generation.
//
// Commits are atomic per key.  Callers are serialized per key by the
// dispatcher; the store only checks the operation version to catch
// misuse.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/baikonur-io/laika/event"

	bolt "go.etcd.io/bbolt"
)

// ErrConflict is returned by Commit when the stored version does not
// match the operation's version.
var ErrConflict = errors.New("version conflict")

var (
	bucketContexts = []byte("contexts")
	bucketTimers   = []byte("timers")
	bucketGens     = []byte("generations")
)

// Due is a pending timer read back from the index.
type Due struct {
	Key    string
	RuleID string
	FireAt int64
}

// Store is a bbolt-backed context store.
type Store struct {
	Debug bool

	filename string
	db       *bolt.DB
}

// NewStore makes a Store for the given file.  Call Open before use.
func NewStore(filename string) (*Store, error) {
	return &Store{
		filename: filename,
	}, nil
}

func (s *Store) Open() error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketContexts, bucketTimers, bucketGens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

// OpenReadOnly opens an existing store for inspection.  Unlike Open
// it never creates or mutates the file.
func (s *Store) OpenReadOnly() error {
	opts := &bolt.Options{
		Timeout:  time.Second,
		ReadOnly: true,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return err
	}
	err = db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketContexts, bucketTimers, bucketGens} {
			if tx.Bucket(name) == nil {
				return fmt.Errorf("%s has no %q bucket", s.filename, name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.Debug {
		log.Printf("Store."+format, args...)
	}
}

// Load returns the context for the key, or a fresh one carrying the
// key's next generation when no row exists.
func (s *Store) Load(ctx context.Context, key string) (*event.Context, error) {
	s.logf("Load %s", key)
	var c *event.Context
	err := s.db.View(func(tx *bolt.Tx) error {
		if bs := tx.Bucket(bucketContexts).Get([]byte(key)); bs != nil {
			var err error
			c, err = event.DecodeContext(key, bs)
			return err
		}
		c = event.NewContext(key)
		if bs := tx.Bucket(bucketGens).Get([]byte(key)); bs != nil {
			c.Generation = binary.BigEndian.Uint64(bs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Commit writes the context and refreshes its timer index rows.  The
// stored version must equal opVersion; on success the context's
// Version becomes opVersion+1.
func (s *Store) Commit(ctx context.Context, c *event.Context, opVersion uint64) error {
	s.logf("Commit %s v%d timers %d", c.Key, opVersion, len(c.Timers))

	prev := c.Version
	c.Version = opVersion + 1
	row, err := event.EncodeContext(c)
	if err != nil {
		c.Version = prev
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		var (
			contexts = tx.Bucket(bucketContexts)
			timers   = tx.Bucket(bucketTimers)
			key      = []byte(c.Key)
		)

		var stored uint64
		var oldTimers []event.TimerEntry
		if bs := contexts.Get(key); bs != nil {
			old, err := event.DecodeContext(c.Key, bs)
			if err != nil {
				return err
			}
			stored = old.Version
			oldTimers = old.Timers
		}
		if stored != opVersion {
			return fmt.Errorf("%w: stored v%d, operation v%d", ErrConflict, stored, opVersion)
		}

		if err := contexts.Put(key, row); err != nil {
			return err
		}
		for _, t := range oldTimers {
			if err := timers.Delete(timerKey(t.FireAt, c.Key, t.RuleID)); err != nil {
				return err
			}
		}
		for _, t := range c.Timers {
			if err := timers.Put(timerKey(t.FireAt, c.Key, t.RuleID), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.Version = prev
		return err
	}
	return nil
}

// Evict removes the key's row and pending timers, and bumps the
// key's generation tombstone so a recreated context starts a new
// generation.  The tombstone advances even when no row exists: a
// context dropped before its first commit still moves on.
func (s *Store) Evict(ctx context.Context, key string) error {
	s.logf("Evict %s", key)
	return s.db.Update(func(tx *bolt.Tx) error {
		var (
			contexts = tx.Bucket(bucketContexts)
			gens     = tx.Bucket(bucketGens)
			kb       = []byte(key)
		)

		var g uint64
		if bs := gens.Get(kb); bs != nil {
			g = binary.BigEndian.Uint64(bs)
		}

		if bs := contexts.Get(kb); bs != nil {
			c, err := event.DecodeContext(key, bs)
			if err != nil {
				return err
			}
			if g < c.Generation {
				g = c.Generation
			}
			timers := tx.Bucket(bucketTimers)
			for _, t := range c.Timers {
				if err := timers.Delete(timerKey(t.FireAt, key, t.RuleID)); err != nil {
					return err
				}
			}
			if err := contexts.Delete(kb); err != nil {
				return err
			}
		}

		var gen [8]byte
		binary.BigEndian.PutUint64(gen[:], g+1)
		return gens.Put(kb, gen[:])
	})
}

// DueTimers scans pending timers due at or before nowMs, in fire
// order.  A positive limit caps the result.
func (s *Store) DueTimers(ctx context.Context, nowMs int64, limit int) ([]Due, error) {
	var due []Due
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTimers).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			d, err := parseTimerKey(k)
			if err != nil {
				return err
			}
			if nowMs < d.FireAt {
				break
			}
			due = append(due, d)
			if 0 < limit && limit <= len(due) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logf("DueTimers at %d found %d", nowMs, len(due))
	return due, nil
}

// NextTimer reports the earliest pending fire instant, if any.
func (s *Store) NextTimer(ctx context.Context) (int64, bool, error) {
	var (
		at   int64
		have bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketTimers).Cursor().First()
		if k == nil {
			return nil
		}
		d, err := parseTimerKey(k)
		if err != nil {
			return err
		}
		at, have = d.FireAt, true
		return nil
	})
	return at, have, err
}

// EachContext calls fn for every stored context.  An error from fn
// stops the scan.
func (s *Store) EachContext(ctx context.Context, fn func(*event.Context) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketContexts).Cursor()
		for k, bs := cur.First(); k != nil; k, bs = cur.Next() {
			c, err := event.DecodeContext(string(k), bs)
			if err != nil {
				return err
			}
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	})
}

func timerKey(fireAt int64, key, ruleID string) []byte {
	b := make([]byte, 12, 12+len(key)+len(ruleID))
	binary.BigEndian.PutUint64(b, uint64(fireAt))
	binary.BigEndian.PutUint32(b[8:], uint32(len(key)))
	b = append(b, key...)
	b = append(b, ruleID...)
	return b
}

func parseTimerKey(bs []byte) (Due, error) {
	if len(bs) < 12 {
		return Due{}, fmt.Errorf("timer key is %d bytes", len(bs))
	}
	at := int64(binary.BigEndian.Uint64(bs))
	n := int(binary.BigEndian.Uint32(bs[8:12]))
	if len(bs) < 12+n {
		return Due{}, fmt.Errorf("timer key wants %d key bytes; has %d", n, len(bs)-12)
	}
	return Due{
		Key:    string(bs[12 : 12+n]),
		RuleID: string(bs[12+n:]),
		FireAt: at,
	}, nil
}
