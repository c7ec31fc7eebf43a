package telnet

import (
	"testing"
	"time"
)

// TestOptionStateClosure covers property 2: for every (state, incoming ack)
// pair the table is total and always lands in one of the four defined
// states, matching the REQUESTED/ACTIVE/INACTIVE/REALLY_INACTIVE closure the
// reference state machine guarantees.
func TestOptionStateClosure(t *testing.T) {
	const ackYes, ackNo, sendYes, sendNo = 0xfb, 0xfc, 0xfd, 0xfe

	cases := []struct {
		name    string
		initial OptionState
		cmd     byte
		want    OptionState
		sent    byte // 0 means "nothing sent"
	}{
		{"requested+ackYes", StateRequested, ackYes, StateActive, 0},
		{"requested+ackNo", StateRequested, ackNo, StateInactive, 0},
		{"active+ackYes", StateActive, ackYes, StateActive, 0},
		{"active+ackNo", StateActive, ackNo, StateInactive, sendNo},
		{"inactive+ackYes", StateInactive, ackYes, StateActive, sendYes},
		{"inactive+ackNo", StateInactive, ackNo, StateInactive, 0},
		{"reallyinactive+ackYes", StateReallyInactive, ackYes, StateReallyInactive, sendNo},
		{"reallyinactive+ackNo", StateReallyInactive, ackNo, StateReallyInactive, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sent byte
			o := NewOption("test", 44, sendYes, sendNo, ackYes, ackNo, tc.initial,
				func(cmd, option byte) { sent = cmd }, nil)
			o.ProcessIncoming(tc.cmd)
			if got := o.State(); got != tc.want {
				t.Fatalf("state = %v, want %v", got, tc.want)
			}
			if tc.sent != 0 && sent != tc.sent {
				t.Fatalf("sent = %#x, want %#x", sent, tc.sent)
			}
		})
	}
}

func TestOptionActivationCallbackFiresOnce(t *testing.T) {
	const ackYes, ackNo, sendYes, sendNo = 0xfb, 0xfc, 0xfd, 0xfe
	calls := 0
	o := NewOption("test", 44, sendYes, sendNo, ackYes, ackNo, StateRequested,
		func(byte, byte) {}, func() { calls++ })

	o.ProcessIncoming(ackYes)
	o.ProcessIncoming(ackYes) // already ACTIVE, must not re-fire
	if calls != 1 {
		t.Fatalf("activation callback fired %d times, want 1", calls)
	}
}

func TestOptionWaitTimesOut(t *testing.T) {
	const ackYes, ackNo, sendYes, sendNo = 0xfb, 0xfc, 0xfd, 0xfe
	o := NewOption("test", 44, sendYes, sendNo, ackYes, ackNo, StateRequested, nil, nil)
	if o.Wait(10 * time.Millisecond) {
		t.Fatal("expected Wait to time out on a never-acked option")
	}
}

func TestOptionWaitUnblocksOnActivation(t *testing.T) {
	const ackYes, ackNo, sendYes, sendNo = 0xfb, 0xfc, 0xfd, 0xfe
	o := NewOption("test", 44, sendYes, sendNo, ackYes, ackNo, StateRequested, nil, nil)

	done := make(chan bool, 1)
	go func() { done <- o.Wait(time.Second) }()
	time.Sleep(5 * time.Millisecond)
	o.ProcessIncoming(ackYes)

	if ok := <-done; !ok {
		t.Fatal("expected Wait to report active")
	}
}
