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

package event

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Batch kinds.
const (
	KindCorrelated    = byte(1)
	KindNonCorrelated = byte(2)
)

const (
	batchVersion = byte(1)
	rowVersion   = byte(1)
)

var (
	// ErrCorrupt is returned when encoded bytes are truncated or
	// otherwise malformed.
	ErrCorrupt = errors.New("corrupt batch")

	// ErrVersion is returned when encoded bytes carry an unknown
	// format version.
	ErrVersion = errors.New("unknown batch version")
)

// EncodeBatch renders events as a batch: a version byte, a kind byte,
// a record count, then records with fixed field order (received, id,
// event_type, data).  Integers are little-endian fixed width; text
// and data fields are length-prefixed.
func EncodeBatch(kind byte, events []Event) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(batchVersion)
	buf.WriteByte(kind)
	writeUint32(buf, uint32(len(events)))
	for i := range events {
		e := &events[i]
		writeInt64(buf, e.Received)
		switch kind {
		case KindCorrelated:
			writeString(buf, e.Key)
		case KindNonCorrelated:
			writeString(buf, e.ID)
		default:
			return nil, fmt.Errorf("batch kind %d: %w", kind, ErrVersion)
		}
		writeString(buf, e.Type)
		data := e.Raw
		if data == nil {
			js, err := json.Marshal(&e.Data)
			if err != nil {
				return nil, err
			}
			data = js
		}
		writeBytes(buf, data)
	}
	return buf.Bytes(), nil
}

// DecodeBatch parses a batch produced by EncodeBatch.  For correlated
// batches the id field populates Key; for non-correlated batches it
// populates ID.  Event data is parsed back from the stored payload.
func DecodeBatch(bs []byte) (byte, []Event, error) {
	r := bytes.NewReader(bs)
	kind, events, err := readBatch(r)
	if err != nil {
		return 0, nil, err
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrCorrupt)
	}
	return kind, events, nil
}

func readBatch(r *bytes.Reader) (byte, []Event, error) {
	v, err := r.ReadByte()
	if err != nil {
		return 0, nil, ErrCorrupt
	}
	if v != batchVersion {
		return 0, nil, fmt.Errorf("batch version %d: %w", v, ErrVersion)
	}
	kind, err := r.ReadByte()
	if err != nil {
		return 0, nil, ErrCorrupt
	}
	if kind != KindCorrelated && kind != KindNonCorrelated {
		return 0, nil, fmt.Errorf("batch kind %d: %w", kind, ErrVersion)
	}
	n, err := readUint32(r)
	if err != nil {
		return 0, nil, err
	}
	events := make([]Event, 0, n)
	for i := uint32(0); i < n; i++ {
		var e Event
		if e.Received, err = readInt64(r); err != nil {
			return 0, nil, err
		}
		id, err := readString(r)
		if err != nil {
			return 0, nil, err
		}
		if kind == KindCorrelated {
			e.Key = id
		} else {
			e.ID = id
		}
		if e.Type, err = readString(r); err != nil {
			return 0, nil, err
		}
		if e.Raw, err = readBytes(r); err != nil {
			return 0, nil, err
		}
		if err = json.Unmarshal(e.Raw, &e.Data); err != nil {
			return 0, nil, fmt.Errorf("record %d data: %w", i, ErrCorrupt)
		}
		events = append(events, e)
	}
	return kind, events, nil
}

// EncodeContext renders a full context row: a header carrying the
// versioning, activity, fired, satisfied, and timer state, followed
// by the event batch.
func EncodeContext(c *Context) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(rowVersion)
	writeUint64(buf, c.Version)
	writeUint64(buf, c.Generation)
	writeInt64(buf, c.CreatedAt)
	writeInt64(buf, c.TouchedAt)

	fired := make([]string, 0, len(c.Fired))
	for rule := range c.Fired {
		fired = append(fired, rule)
	}
	sort.Strings(fired)
	writeUint32(buf, uint32(len(fired)))
	for _, rule := range fired {
		writeString(buf, rule)
	}

	satisfied := make([]string, 0, len(c.SatisfiedAt))
	for rule := range c.SatisfiedAt {
		satisfied = append(satisfied, rule)
	}
	sort.Strings(satisfied)
	writeUint32(buf, uint32(len(satisfied)))
	for _, rule := range satisfied {
		writeString(buf, rule)
		writeInt64(buf, c.SatisfiedAt[rule])
	}

	writeUint32(buf, uint32(len(c.Timers)))
	for _, t := range c.Timers {
		writeString(buf, t.RuleID)
		writeInt64(buf, t.FireAt)
		writeUint64(buf, t.Version)
	}

	kind := KindCorrelated
	if 0 < len(c.Sequence) && !c.Sequence[0].Correlated() {
		kind = KindNonCorrelated
	}
	batch, err := EncodeBatch(kind, c.Sequence)
	if err != nil {
		return nil, err
	}
	buf.Write(batch)

	return buf.Bytes(), nil
}

// DecodeContext parses a context row stored under the given key.
func DecodeContext(key string, bs []byte) (*Context, error) {
	r := bytes.NewReader(bs)

	v, err := r.ReadByte()
	if err != nil {
		return nil, ErrCorrupt
	}
	if v != rowVersion {
		return nil, fmt.Errorf("context row version %d: %w", v, ErrVersion)
	}

	c := NewContext(key)
	if c.Version, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.Generation, err = readUint64(r); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = readInt64(r); err != nil {
		return nil, err
	}
	if c.TouchedAt, err = readInt64(r); err != nil {
		return nil, err
	}

	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		rule, err := readString(r)
		if err != nil {
			return nil, err
		}
		c.Fired[rule] = true
	}

	if n, err = readUint32(r); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		rule, err := readString(r)
		if err != nil {
			return nil, err
		}
		ms, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		c.SatisfiedAt[rule] = ms
	}

	if n, err = readUint32(r); err != nil {
		return nil, err
	}
	c.Timers = make([]TimerEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var t TimerEntry
		if t.RuleID, err = readString(r); err != nil {
			return nil, err
		}
		if t.FireAt, err = readInt64(r); err != nil {
			return nil, err
		}
		if t.Version, err = readUint64(r); err != nil {
			return nil, err
		}
		c.Timers = append(c.Timers, t)
	}

	kind, events, err := readBatch(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrCorrupt)
	}
	if kind == KindNonCorrelated {
		for i := range events {
			events[i].Key = key
		}
	}
	c.Sequence = events

	return c, nil
}

func writeUint32(buf *bytes.Buffer, n uint32) {
	var bs [4]byte
	binary.LittleEndian.PutUint32(bs[:], n)
	buf.Write(bs[:])
}

func writeUint64(buf *bytes.Buffer, n uint64) {
	var bs [8]byte
	binary.LittleEndian.PutUint64(bs[:], n)
	buf.Write(bs[:])
}

func writeInt64(buf *bytes.Buffer, n int64) {
	writeUint64(buf, uint64(n))
}

func writeBytes(buf *bytes.Buffer, bs []byte) {
	writeUint32(buf, uint32(len(bs)))
	buf.Write(bs)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var bs [4]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return 0, ErrCorrupt
	}
	return binary.LittleEndian.Uint32(bs[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var bs [8]byte
	if _, err := io.ReadFull(r, bs[:]); err != nil {
		return 0, ErrCorrupt
	}
	return binary.LittleEndian.Uint64(bs[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	n, err := readUint64(r)
	return int64(n), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if r.Len() < int(n) {
		return nil, ErrCorrupt
	}
	bs := make([]byte, n)
	if _, err := io.ReadFull(r, bs); err != nil {
		return nil, ErrCorrupt
	}
	return bs, nil
}

func readString(r *bytes.Reader) (string, error) {
	bs, err := readBytes(r)
	return string(bs), err
}
