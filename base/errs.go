package base

import (
	"errors"
	"fmt"
)

var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")

// ErrNegotiationFailed is returned when the mandatory Telnet/RFC2217 options
// do not reach a non-INACTIVE state within the configured network timeout.
var ErrNegotiationFailed = errors.New("rfc2217 negotiation failed")

// ErrSubnegotiationRejected is returned when a RFC2217 sub-option answer does
// not echo back the requested value (TelnetSubnegotiation.check_answer).
var ErrSubnegotiationRejected = errors.New("rfc2217 subnegotiation rejected")

// ErrNoModemState is returned by GetModemState before any NOTIFY_MODEMSTATE
// has ever been received.
var ErrNoModemState = errors.New("no modem state received yet")

// ErrConnectionLost is pushed as the end-of-stream sentinel when the
// underlying socket read returns 0 bytes or an error.
var ErrConnectionLost = errors.New("connection lost")

// ConfigError reports a malformed URL, unknown option or out-of-range value
// in a bridge/client configuration. It never leaves any state changed.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(msg string) error {
	return &ConfigError{Msg: msg}
}

func WrapConfigError(msg string, err error) error {
	return &ConfigError{Msg: msg, Err: err}
}

// SerialError wraps a failure reported by the underlying SerialDevice.
type SerialError struct {
	Msg string
	Err error
}

func (e *SerialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("serial error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("serial error: %s", e.Msg)
}

func (e *SerialError) Unwrap() error { return e.Err }

func WrapSerialError(msg string, err error) error {
	return &SerialError{Msg: msg, Err: err}
}
