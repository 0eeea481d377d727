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

// Package event defines the data model: raw records, typed events,
// triggers, and per-correlation-key contexts, along with the binary
// batch encoding used for persistence.
package event

import (
	"encoding/json"
	"fmt"
)

// Trigger types.
const (
	ReceivedEvent = "received_event"
	TimerExpired  = "timer_expired"
)

// Record is one raw unit of ingest: the original payload, where it
// came from, when it arrived (milliseconds since epoch), and the
// parsed JSON form.
type Record struct {
	Source   string
	Received int64
	Raw      []byte
	Data     interface{}
}

// ParseRecord parses raw bytes as JSON to produce a Record.
func ParseRecord(source string, raw []byte, received int64) (Record, error) {
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return Record{}, fmt.Errorf("record from %q: %w", source, err)
	}
	return Record{
		Source:   source,
		Received: received,
		Raw:      raw,
		Data:     data,
	}, nil
}

// Event is a Record that has been classified to an event type and
// bound to a correlation key.
//
// Correlated events carry the extracted key and no ID.  Events of a
// type with no correlation expression get a synthetic per-event key
// and a unique ID instead.
type Event struct {
	Type     string
	Key      string
	ID       string
	Received int64
	Data     interface{}
	Raw      []byte
}

// Correlated reports whether this event was grouped by an extracted
// correlation key.
func (e *Event) Correlated() bool {
	return e.ID == ""
}

// view renders the event the way scripts and templates see entries of
// ctx.sequence and ctx.events.
func (e *Event) view() map[string]interface{} {
	return map[string]interface{}{
		"type":     e.Type,
		"received": e.Received,
		"data":     e.Data,
	}
}

// Trigger describes why a rule is being evaluated: an event arrived,
// or a scheduled timer expired.
type Trigger struct {
	Type      string
	Timestamp int64
	Event     *Event
}

// NewEventTrigger makes a received_event trigger for e.
func NewEventTrigger(e *Event) Trigger {
	return Trigger{
		Type:      ReceivedEvent,
		Timestamp: e.Received,
		Event:     e,
	}
}

// NewTimerTrigger makes a timer_expired trigger.  The timestamp is
// the originally scheduled instant, not the wall clock of the fire.
func NewTimerTrigger(at int64) Trigger {
	return Trigger{
		Type:      TimerExpired,
		Timestamp: at,
	}
}

// View renders the trigger the way scripts see it.  For
// received_event triggers, trigger.event is the parsed record data
// itself.
func (t Trigger) View() map[string]interface{} {
	m := map[string]interface{}{
		"type":      t.Type,
		"timestamp": t.Timestamp,
	}
	if t.Type == ReceivedEvent && t.Event != nil {
		m["event"] = t.Event.Data
	}
	return m
}

// Projection builds the default projection for an evaluation: the
// object handed to templates when a rule has no filter script, and
// the trigger/events/meta scope always available to templates.
//
// skip is the Sequence index of the triggering event (so the views
// show state prior to it), or -1 on the timer path.
func Projection(t Trigger, c *Context, skip int) map[string]interface{} {
	return ProjectionFromView(t, c.View(skip))
}

// ProjectionFromView is Projection for a context view already in
// hand.
func ProjectionFromView(t Trigger, view map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"trigger": t.View(),
		"events":  view["events"],
		"meta":    view["meta"],
	}
}
