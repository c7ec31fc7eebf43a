// Package comport holds the RFC 2217 COM-PORT-OPTION wire constants and the
// small pieces of wire encoding (baud rate framing, modem-state delta
// computation) that both the server role (portmanager) and the client role
// (rfc2217client) need identically.
package comport

import "encoding/binary"

// Option is the Telnet option code for COM-PORT-OPTION (RFC 2217 §3).
const Option = 44 // 0x2c

// Client-to-access-server sub-commands (sent by the Telnet client, i.e. by
// rfc2217client; received and dispatched by portmanager).
const (
	Signature         = 0
	SetBaudrate       = 1
	SetDatasize       = 2
	SetParity         = 3
	SetStopsize       = 4
	SetControl        = 5
	NotifyLinestate   = 6
	NotifyModemstate  = 7
	FlowcontrolSuspend = 8
	FlowcontrolResume  = 9
	SetLinestateMask  = 10
	SetModemstateMask = 11
	PurgeData         = 12
)

// Access-server-to-client sub-commands (sent by portmanager as the answer
// role; received and dispatched by rfc2217client). Each is the
// client-to-server code above plus 100, per RFC 2217 §3, except Signature
// which is shared verbatim.
const (
	ServerSetBaudrate        = 101
	ServerSetDatasize        = 102
	ServerSetParity          = 103
	ServerSetStopsize        = 104
	ServerSetControl         = 105
	ServerNotifyLinestate    = 106
	ServerNotifyModemstate   = 107
	ServerFlowcontrolSuspend = 108
	ServerFlowcontrolResume  = 109
	ServerSetLinestateMask   = 110
	ServerSetModemstateMask  = 111
	ServerPurgeData          = 112
)

// SET-CONTROL / SERVER-SET-CONTROL value byte (RFC 2217 §3, "Com Port
// Control Command").
const (
	ControlRequestFlowSetting     = 0
	ControlUseNoFlowControl       = 1
	ControlUseSWFlowControl       = 2
	ControlUseHWFlowControl       = 3
	ControlRequestBreakState      = 4
	ControlBreakOn                = 5
	ControlBreakOff               = 6
	ControlRequestDTR             = 7
	ControlDTROn                  = 8
	ControlDTROff                 = 9
	ControlRequestRTS             = 10
	ControlRTSOn                  = 11
	ControlRTSOff                 = 12
	ControlRequestFlowSettingIn   = 13
	ControlUseNoFlowControlIn     = 14
	ControlUseSWFlowControlIn     = 15
	ControlUseHWFlowControlIn     = 16
	ControlUseDCDFlowControl      = 17
	ControlUseDTRFlowControl      = 18
	ControlUseDSRFlowControl      = 19
)

// PURGE-DATA value byte.
const (
	PurgeReceiveBuffer  = 1
	PurgeTransmitBuffer = 2
	PurgeBothBuffers    = 3
)

// NOTIFY-LINESTATE mask bits.
const (
	LinestateDataReady    = 1
	LinestateOverrunError = 2
	LinestateParityError  = 4
	LinestateFramingError = 8
	LinestateBreakDetect  = 16
	LinestateTransregEmpty = 32
	LinestateShiftregEmpty = 64
	LinestateTimeout      = 128
)

// NOTIFY-MODEMSTATE mask bits: the four status lines plus a "changed since
// last notification" bit for each.
const (
	ModemstateCTSChange = 1
	ModemstateDSRChange = 2
	ModemstateRIChange  = 4
	ModemstateCDChange  = 8
	ModemstateCTS       = 16
	ModemstateDSR       = 32
	ModemstateRI        = 64
	ModemstateCD        = 128
)

// EncodeBaudrate renders a baud rate as the 4-byte big-endian payload
// SET-BAUDRATE/SERVER-SET-BAUDRATE carry.
func EncodeBaudrate(baud int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(baud))
	return buf[:]
}

// DecodeBaudrate parses a SET-BAUDRATE/SERVER-SET-BAUDRATE payload.
func DecodeBaudrate(payload []byte) int {
	return int(binary.BigEndian.Uint32(payload))
}

// ComputeModemstate builds the byte a NOTIFY-MODEMSTATE/SERVER-NOTIFY-
// MODEMSTATE sub-negotiation should carry given the four current status
// lines and the status-bits-only (no delta bits) byte last sent. It returns
// the full byte to send, including delta bits, and whether it differs from
// lastSent at all (mirroring PortManager.check_modem_lines: the caller
// notifies the peer when changed is true or a notification is forced, and
// only once the peer is known to be RFC2217-aware). The caller must store state&0xF0
// as the next call's lastSent — the delta bits themselves are never
// compared against.
func ComputeModemstate(cts, dsr, ri, cd bool, lastSent byte) (state byte, changed bool) {
	if cts {
		state |= ModemstateCTS
	}
	if dsr {
		state |= ModemstateDSR
	}
	if ri {
		state |= ModemstateRI
	}
	if cd {
		state |= ModemstateCD
	}
	deltas := state ^ lastSent
	if deltas&ModemstateCTS != 0 {
		state |= ModemstateCTSChange
	}
	if deltas&ModemstateDSR != 0 {
		state |= ModemstateDSRChange
	}
	if deltas&ModemstateRI != 0 {
		state |= ModemstateRIChange
	}
	if deltas&ModemstateCD != 0 {
		state |= ModemstateCDChange
	}
	changed = state != lastSent
	return state, changed
}
