package telnet

import (
	"errors"
	"testing"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
)

// TestSubnegotiationAcknowledgement covers property 3: an answer accepted
// iff it starts with the requested value.
func TestSubnegotiationAcknowledgement(t *testing.T) {
	s := NewSubnegotiation("baudrate", 1, 101, nil)
	s.Set([]byte{0, 0, 0x1c, 0x20})

	s.CheckAnswer([]byte{0, 0, 0x1c, 0x20}) // server echoes back the requested baud rate
	if s.State() != StateActive {
		t.Fatalf("state = %v, want ACTIVE", s.State())
	}
}

func TestSubnegotiationRejectedOnMismatch(t *testing.T) {
	s := NewSubnegotiation("parity", 3, 103, nil)
	s.Set([]byte{3}) // requested EVEN

	s.CheckAnswer([]byte{2}) // server reports ODD instead
	if s.State() != StateReallyInactive {
		t.Fatalf("state = %v, want REALLY_INACTIVE", s.State())
	}
	err := s.Wait(time.Second)
	if !errors.Is(err, base.ErrSubnegotiationRejected) {
		t.Fatalf("err = %v, want ErrSubnegotiationRejected", err)
	}
}

func TestSubnegotiationWaitTimesOut(t *testing.T) {
	s := NewSubnegotiation("control", 5, 105, nil)
	s.Set([]byte{1})

	err := s.Wait(10 * time.Millisecond)
	if !errors.Is(err, base.ErrCommunicationTimeout) {
		t.Fatalf("err = %v, want ErrCommunicationTimeout", err)
	}
}

func TestSubnegotiationSendsRequest(t *testing.T) {
	var gotOption byte
	var gotValue []byte
	s := NewSubnegotiation("databits", 2, 102, func(option byte, value []byte) {
		gotOption = option
		gotValue = value
	})
	s.Set([]byte{8})
	if gotOption != 2 || len(gotValue) != 1 || gotValue[0] != 8 {
		t.Fatalf("send called with (%d, %v)", gotOption, gotValue)
	}
}
