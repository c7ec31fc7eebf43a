package portmanager

import "github.com/cybroslabs/ser2tcp-go/base"

// Manager is the interface bridge drives against, implemented by both
// PortManager (rfc2217 mode) and RawPortManager (raw mode) so the bridge's
// pump loop does not need to know which transport mode a connection uses.
type Manager interface {
	Start()
	Filter(data []byte) error
	NotifyModemState(force bool)
}

// RawPortManager is the identity manager used by "raw" mode bridges: no
// Telnet negotiation, no escaping, every byte received from the TCP peer is
// written straight to the serial device.
type RawPortManager struct {
	device base.SerialDevice
}

func NewRaw(device base.SerialDevice) *RawPortManager {
	return &RawPortManager{device: device}
}

func (r *RawPortManager) Start() {}

func (r *RawPortManager) Filter(data []byte) error {
	_, err := r.device.Write(data)
	return err
}

func (r *RawPortManager) NotifyModemState(bool) {}

var _ Manager = (*PortManager)(nil)
var _ Manager = (*RawPortManager)(nil)
