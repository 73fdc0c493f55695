package signal

import "testing"

func TestReplayOnSubscribe(t *testing.T) {
	s := New()
	s.Append(Value, "n1", 0, 1, ValueDelta{NewValue: "a"})
	s.Append(Value, "n1", 1, 2, ValueDelta{NewValue: "b"})

	var got []Signal
	cursor := Cursor(0)
	unsub := s.Subscribe(cursor, Filter{}, func(sig Signal) {
		got = append(got, sig)
	})
	defer unsub()

	if len(got) != 2 {
		t.Fatalf("expected 2 replayed signals, got %d", len(got))
	}

	s.Append(Value, "n1", 2, 3, ValueDelta{NewValue: "c"})
	if len(got) != 3 {
		t.Fatalf("expected live signal to be delivered, got %d", len(got))
	}
}

func TestTailOnlyObservesFuture(t *testing.T) {
	s := New()
	s.Append(Value, "n1", 0, 1, ValueDelta{NewValue: "a"})

	var got []Signal
	unsub := s.Tail(Value, func(sig Signal) { got = append(got, sig) })
	defer unsub()

	if len(got) != 0 {
		t.Fatalf("tail subscriber should not see prior signals, got %d", len(got))
	}
	s.Append(Value, "n1", 1, 2, ValueDelta{NewValue: "b"})
	if len(got) != 1 {
		t.Fatalf("expected 1 signal after tail subscribe, got %d", len(got))
	}
}

func TestMonotonicTimestamps(t *testing.T) {
	s := New()
	var last int64
	for i := 0; i < 50; i++ {
		sig := s.Append(Custom, "n", 0, 0, CustomDelta{EventName: "tick"})
		if sig.TimestampNs <= last {
			t.Fatalf("timestamp not strictly increasing: %d <= %d", sig.TimestampNs, last)
		}
		last = sig.TimestampNs
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	count := 0
	unsub := s.Tail(Value, func(Signal) { count++ })
	s.Append(Value, "n", 0, 1, ValueDelta{})
	unsub()
	s.Append(Value, "n", 1, 2, ValueDelta{})
	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}
