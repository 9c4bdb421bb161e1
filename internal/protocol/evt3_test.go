package protocol

import "testing"

func advanceAll(t *testing.T, s *EVT3State, words []uint16) ([]DecodedEvent, []DecodedTrigger) {
	t.Helper()
	var out []DecodedEvent
	var triggers []DecodedTrigger
	var scratch []DecodedEvent
	for _, w := range words {
		var trig DecodedTrigger
		var has bool
		scratch, trig, has = s.Advance(w, scratch[:0])
		out = append(out, scratch...)
		if has {
			triggers = append(triggers, trig)
		}
	}
	return out, triggers
}

func TestAdvanceDecodesAddressedEvents(t *testing.T) {
	var s EVT3State
	events, _ := advanceAll(t, &s, []uint16{
		0x8000 | 2,      // time high 2
		0x6000 | 100,    // time low 100
		0x0000 | 7,      // y = 7
		0x2000 | 0x0800 | 5, // x = 5, on
		0x2000 | 6,      // x = 6, off
	})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	wantT := uint64(2)<<12 | 100
	if events[0] != (DecodedEvent{T: wantT, X: 5, Y: 7, On: true}) {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1] != (DecodedEvent{T: wantT, X: 6, Y: 7, On: false}) {
		t.Fatalf("second event = %+v", events[1])
	}
}

func TestAdvanceDecodesVectorEvents(t *testing.T) {
	var s EVT3State
	events, _ := advanceAll(t, &s, []uint16{
		0x6000 | 50,        // time low 50
		0x0000 | 3,         // y = 3
		0x3000 | 0x0800 | 8, // vect base x = 8, on
		0x4000 | 0b101,     // vect12: bits 0 and 2 valid
	})
	if len(events) != 2 {
		t.Fatalf("expected 2 vector events, got %d", len(events))
	}
	if events[0].X != 8 || events[1].X != 10 {
		t.Fatalf("expected events at x=8 and x=10, got %d and %d", events[0].X, events[1].X)
	}
	if s.X != 8+12 {
		t.Fatalf("expected the base to advance by the vector width, got %d", s.X)
	}
}

func TestAdvanceExtendsClockOnTimeHighWrap(t *testing.T) {
	var s EVT3State
	advanceAll(t, &s, []uint16{0x8000 | 0xFFF})
	if s.Overflows != 0 {
		t.Fatalf("expected no overflow yet, got %d", s.Overflows)
	}
	advanceAll(t, &s, []uint16{0x8000 | 0})
	if s.Overflows != 1 {
		t.Fatalf("expected the wrapped time base to bump the overflow counter, got %d", s.Overflows)
	}
	if s.T != uint64(1)<<24 {
		t.Fatalf("expected the clock extended past 2^24, got %d", s.T)
	}
}

func TestAdvanceReportsExternalTriggers(t *testing.T) {
	var s EVT3State
	_, triggers := advanceAll(t, &s, []uint16{
		0x6000 | 9,
		0xA000 | 0x0100 | 1, // trigger id 1, rising
		0xA000 | 0x0200,     // trigger id 2, falling
	})
	if len(triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(triggers))
	}
	if !triggers[0].Rising || triggers[0].Id != 1 || triggers[0].T != 9 {
		t.Fatalf("first trigger = %+v", triggers[0])
	}
	if triggers[1].Rising || triggers[1].Id != 2 {
		t.Fatalf("second trigger = %+v", triggers[1])
	}
}

func TestPeekTimeMatchesAdvance(t *testing.T) {
	s := EVT3State{PreviousMsbT: 3, PreviousLsbT: 7, Overflows: 1}
	for _, word := range []uint16{0x8000 | 5, 0x6000 | 9} {
		peeked, isTime := s.PeekTime(word)
		if !isTime {
			t.Fatalf("expected %#x to be a time word", word)
		}
		applied := s
		(&applied).Advance(word, nil)
		if peeked != applied.T {
			t.Fatalf("PeekTime(%#x) = %d but Advance produced %d", word, peeked, applied.T)
		}
	}
	if _, isTime := s.PeekTime(0x2000 | 4); isTime {
		t.Fatal("expected an address word not to be a time word")
	}
}
