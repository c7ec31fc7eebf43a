package comport

import "testing"

func TestBaudrateRoundTrip(t *testing.T) {
	for _, baud := range []int{300, 9600, 115200, 256000} {
		got := DecodeBaudrate(EncodeBaudrate(baud))
		if got != baud {
			t.Fatalf("round trip %d -> %d", baud, got)
		}
	}
}

// TestComputeModemstateDelta covers property 4: the delta bits reflect
// exactly which status lines changed since the last notification, and the
// status bits themselves always reflect current line state regardless of
// delta.
func TestComputeModemstateDelta(t *testing.T) {
	// first call: no prior state, CTS newly up should set both the status
	// bit and its change bit since lastSent is empty.
	state, changed := ComputeModemstate(true, false, false, false, 0)
	if state != ModemstateCTS|ModemstateCTSChange {
		t.Fatalf("state = %#x", state)
	}
	if !changed {
		t.Fatal("expected changed=true on first notification")
	}

	last := state & 0xf0
	// second call: nothing changed.
	state2, changed2 := ComputeModemstate(true, false, false, false, last)
	if state2 != ModemstateCTS {
		t.Fatalf("state2 = %#x, want only CTS bit set with no deltas", state2)
	}
	if changed2 {
		t.Fatal("expected changed=false when nothing changed")
	}

	// third call: DSR comes up too.
	state3, changed3 := ComputeModemstate(true, true, false, false, last)
	if state3 != ModemstateCTS|ModemstateDSR|ModemstateDSRChange {
		t.Fatalf("state3 = %#x", state3)
	}
	if !changed3 {
		t.Fatal("expected changed=true when DSR newly asserted")
	}
}
