package event

import (
	"errors"
	"testing"

	. "github.com/baikonur-io/laika/util/testutil"
)

func TestBatchRoundTrip(t *testing.T) {
	events := []Event{
		testEvent("login", "u1", 100, `{"event_type":"login","user_id":"u1"}`),
		testEvent("logout", "u1", 200, `{"event_type":"logout","user_id":"u1"}`),
	}

	bs, err := EncodeBatch(KindCorrelated, events)
	if err != nil {
		t.Fatal(err)
	}

	kind, got, err := DecodeBatch(bs)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindCorrelated {
		t.Fatalf("kind %d", kind)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	for i := range events {
		if got[i].Type != events[i].Type ||
			got[i].Key != events[i].Key ||
			got[i].Received != events[i].Received {
			t.Fatalf("event %d: %s", i, JS(got[i]))
		}
		if JS(got[i].Data) != JS(events[i].Data) {
			t.Fatalf("event %d data: %s", i, JS(got[i].Data))
		}
	}
}

func TestContextRowRoundTrip(t *testing.T) {
	c := NewContext("txn-1")
	c.Append(testEvent("A", "txn-1", 100, `{"txn":"txn-1","type":"A"}`))
	c.Append(testEvent("B", "txn-1", 150, `{"txn":"txn-1","type":"B"}`))
	c.Version = 7
	c.Generation = 2
	c.CreatedAt = 100
	c.TouchedAt = 150
	c.Fired["onPair"] = true
	c.SatisfiedAt["onPair"] = 150
	c.SetTimer("slowPath", 5000, 7)

	bs, err := EncodeContext(c)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeContext("txn-1", bs)
	if err != nil {
		t.Fatal(err)
	}

	if got.Version != 7 || got.Generation != 2 {
		t.Fatalf("versioning: %d gen %d", got.Version, got.Generation)
	}
	if got.CreatedAt != 100 || got.TouchedAt != 150 {
		t.Fatalf("activity: %d %d", got.CreatedAt, got.TouchedAt)
	}
	if !got.Fired["onPair"] {
		t.Fatal("lost fired state")
	}
	if got.SatisfiedAt["onPair"] != 150 {
		t.Fatalf("satisfied %s", JS(got.SatisfiedAt))
	}
	e, have := got.TimerFor("slowPath")
	if !have || e.FireAt != 5000 || e.Version != 7 {
		t.Fatalf("timer %s", JS(got.Timers))
	}
	if len(got.Sequence) != 2 || got.Sequence[0].Type != "A" || got.Sequence[1].Type != "B" {
		t.Fatalf("sequence %s", JS(got.Sequence))
	}
}

func TestContextRowNonCorrelated(t *testing.T) {
	c := NewContext("~uncorrelated:stdin:42")
	e := testEvent("heartbeat", "~uncorrelated:stdin:42", 100, `{"beat":1}`)
	e.ID = "11111111-2222-3333-4444-555555555555"
	c.Append(e)

	bs, err := EncodeContext(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeContext("~uncorrelated:stdin:42", bs)
	if err != nil {
		t.Fatal(err)
	}

	if got.Sequence[0].ID != e.ID {
		t.Fatalf("lost event id: %s", JS(got.Sequence[0]))
	}
	if got.Sequence[0].Key != c.Key {
		t.Fatalf("key not restored: %q", got.Sequence[0].Key)
	}
	if got.Sequence[0].Correlated() {
		t.Fatal("should be non-correlated")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	c := NewContext("k")
	c.Append(testEvent("a", "k", 1, `{}`))
	bs, err := EncodeContext(c)
	if err != nil {
		t.Fatal(err)
	}

	for cut := 1; cut < len(bs); cut += 7 {
		if _, err := DecodeContext("k", bs[:cut]); err == nil {
			t.Fatalf("truncation at %d accepted", cut)
		}
	}

	bad := append([]byte{}, bs...)
	bad[0] = 99
	if _, err := DecodeContext("k", bad); !errors.Is(err, ErrVersion) {
		t.Fatalf("bad version: %v", err)
	}

	if _, _, err := DecodeBatch([]byte{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("empty batch: %v", err)
	}
}
