package telnet

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
)

// SendSubFunc issues a COM_PORT_OPTION sub-negotiation request.
type SendSubFunc func(option byte, value []byte)

// Subnegotiation tracks one outstanding RFC2217 sub-option round trip (e.g.
// SET_BAUDRATE answered by SERVER_SET_BAUDRATE). Mirrors
// TelnetSubnegotiation from the reference client: Set moves it to
// REQUESTED and sends the request, CheckAnswer applies the reply and
// resolves it to ACTIVE or REALLY_INACTIVE depending on whether the reply
// echoes the requested value back.
type Subnegotiation struct {
	Name      string
	Option    byte
	AckOption byte

	send SendSubFunc

	mu      sync.Mutex
	value   []byte
	state   OptionState
	changed chan struct{}
}

// NewSubnegotiation builds a Subnegotiation in INACTIVE state. ackOption is
// the sub-option code the reply is expected under; a zero value means the
// reply uses the same code as the request.
func NewSubnegotiation(name string, option byte, ackOption byte, send SendSubFunc) *Subnegotiation {
	if ackOption == 0 {
		ackOption = option
	}
	return &Subnegotiation{
		Name: name, Option: option, AckOption: ackOption,
		send: send, state: StateInactive, changed: make(chan struct{}),
	}
}

func (s *Subnegotiation) State() OptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set moves the request to REQUESTED and sends value as the sub-option
// payload.
func (s *Subnegotiation) Set(value []byte) {
	s.mu.Lock()
	s.value = append([]byte(nil), value...)
	s.state = StateRequested
	s.mu.Unlock()
	if s.send != nil {
		s.send(s.Option, value)
	}
}

// IsReady reports whether an answer has already settled this request,
// whatever direction it resolved in.
func (s *Subnegotiation) IsReady() bool {
	return s.State() != StateRequested
}

// Wait blocks until the request settles or timeout elapses (<=0 blocks
// indefinitely), then returns base.ErrSubnegotiationRejected if the answer
// did not echo the requested value, or base.ErrCommunicationTimeout if
// timeout elapsed first.
func (s *Subnegotiation) Wait(timeout time.Duration) error {
	s.mu.Lock()
	state := s.state
	ch := s.changed
	s.mu.Unlock()

	if state == StateRequested {
		if timeout <= 0 {
			<-ch
		} else {
			select {
			case <-ch:
			case <-time.After(timeout):
				return base.ErrCommunicationTimeout
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: %s", base.ErrSubnegotiationRejected, s.Name)
	}
	return nil
}

// CheckAnswer applies an incoming sub-option reply: it resolves to ACTIVE
// iff reply starts with the value this request last sent, else to
// REALLY_INACTIVE, and in either case records reply as the new value.
func (s *Subnegotiation) CheckAnswer(reply []byte) {
	s.mu.Lock()
	if bytes.HasPrefix(reply, s.value) {
		s.state = StateActive
	} else {
		s.state = StateReallyInactive
	}
	s.value = append([]byte(nil), reply...)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Value returns the last value recorded, either the most recent request
// payload or the most recent reply.
func (s *Subnegotiation) Value() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.value...)
}
