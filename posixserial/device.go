// Package posixserial implements base.SerialDevice over a real tty using
// go.bug.st/serial, the termios-backed library the rest of the example
// corpus reaches for (see jaracil-vmodem, madpsy-ninotnc-set-mode). It is
// the concrete device a listener's bridge opens for "raw" and "rfc2217"
// access-server-side bridge configurations.
package posixserial

import (
	"sync"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const breakPulse = 50 * time.Millisecond

// Device wraps one named tty. It is not safe for concurrent Read/Write from
// multiple goroutines beyond the usual one-reader/one-writer split the
// bridge maintains.
type Device struct {
	name   string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	port     serial.Port
	settings base.SerialSettings
	dtr, rts bool
	xonxoff  bool
	rtscts   bool

	breakMu     sync.Mutex
	breakOn     bool
	breakCancel chan struct{}
}

// New builds a Device for the named port (e.g. "/dev/ttyUSB0") with the
// initial settings applied on Open.
func New(name string, settings base.SerialSettings, logger *zap.SugaredLogger) *Device {
	return &Device{name: name, settings: settings, logger: logger}
}

func (d *Device) logf(format string, v ...any) {
	if d.logger != nil {
		d.logger.Infof(format, v...)
	}
}

func toMode(s base.SerialSettings) *serial.Mode {
	mode := &serial.Mode{BaudRate: s.BaudRate}
	switch s.DataBits {
	case base.Serial5DataBits, base.Serial6DataBits, base.Serial7DataBits, base.Serial8DataBits:
		mode.DataBits = s.DataBits
	default:
		mode.DataBits = base.Serial8DataBits
	}
	switch s.Parity {
	case base.ParityOdd:
		mode.Parity = serial.OddParity
	case base.ParityEven:
		mode.Parity = serial.EvenParity
	case base.ParityMark:
		mode.Parity = serial.MarkParity
	case base.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}
	switch s.StopBits {
	case base.StopBits2:
		mode.StopBits = serial.TwoStopBits
	case base.StopBits1Half:
		mode.StopBits = serial.OnePointFiveStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	return mode
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	p, err := serial.Open(d.name, toMode(d.settings))
	if err != nil {
		return base.WrapSerialError("open "+d.name, err)
	}
	d.port = p
	d.logf("opened %s", d.name)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	p := d.port
	d.port = nil
	d.mu.Unlock()
	if p == nil {
		return nil
	}
	d.stopBreak()
	return p.Close()
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, base.ErrNotOpened
	}
	return port.Read(p)
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, base.ErrNotOpened
	}
	return port.Write(p)
}

func (d *Device) SetReadTimeout(t time.Duration) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port != nil {
		_ = port.SetReadTimeout(t)
	}
}

func (d *Device) BaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.BaudRate
}

func (d *Device) SetBaudRate(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.BaudRate = baud
	return d.applyModeLocked()
}

func (d *Device) DataBits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.DataBits
}

func (d *Device) SetDataBits(bits int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.DataBits = bits
	return d.applyModeLocked()
}

func (d *Device) Parity() base.Parity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Parity
}

func (d *Device) SetParity(p base.Parity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.Parity = p
	return d.applyModeLocked()
}

func (d *Device) StopBits() base.StopBits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.StopBits
}

func (d *Device) SetStopBits(s base.StopBits) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings.StopBits = s
	return d.applyModeLocked()
}

// applyModeLocked reapplies the whole serial.Mode, since go.bug.st/serial
// has no per-field setter; d.mu must already be held.
func (d *Device) applyModeLocked() error {
	if d.port == nil {
		return base.ErrNotOpened
	}
	if err := d.port.SetMode(toMode(d.settings)); err != nil {
		return base.WrapSerialError("set mode", err)
	}
	return nil
}

// XonXoff/RtsCts/SetXonXoff/SetRtsCts track the requested flow control mode
// locally: go.bug.st/serial has no portable software/hardware flow control
// toggle distinct from the platform's termios defaults, so these are
// bookkeeping only, queried back by the SET_CONTROL "request flow setting"
// handler. This mirrors the RawPortManager/ClientSession split already
// documented for inbound flow control (decided open question (b)).
func (d *Device) XonXoff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xonxoff
}

func (d *Device) SetXonXoff(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.xonxoff = enabled
	if enabled {
		d.rtscts = false
	}
	return nil
}

func (d *Device) RtsCts() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rtscts
}

func (d *Device) SetRtsCts(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtscts = enabled
	if enabled {
		d.xonxoff = false
	}
	return nil
}

func (d *Device) DTR() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dtr
}

func (d *Device) SetDTR(on bool) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return base.ErrNotOpened
	}
	if err := port.SetDTR(on); err != nil {
		return base.WrapSerialError("set DTR", err)
	}
	d.mu.Lock()
	d.dtr = on
	d.mu.Unlock()
	return nil
}

func (d *Device) RTS() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rts
}

func (d *Device) SetRTS(on bool) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return base.ErrNotOpened
	}
	if err := port.SetRTS(on); err != nil {
		return base.WrapSerialError("set RTS", err)
	}
	d.mu.Lock()
	d.rts = on
	d.mu.Unlock()
	return nil
}

// SetBreak holds (or releases) a continuous line break. go.bug.st/serial
// only exposes a timed Break(duration); an indefinite "on" state is
// approximated by re-issuing short break pulses back to back until
// SetBreak(false) stops the loop.
func (d *Device) SetBreak(on bool) error {
	if !on {
		d.stopBreak()
		return nil
	}
	d.breakMu.Lock()
	if d.breakOn {
		d.breakMu.Unlock()
		return nil
	}
	d.breakOn = true
	cancel := make(chan struct{})
	d.breakCancel = cancel
	d.breakMu.Unlock()

	go func() {
		for {
			select {
			case <-cancel:
				return
			default:
			}
			d.mu.Lock()
			port := d.port
			d.mu.Unlock()
			if port == nil {
				return
			}
			_ = port.Break(breakPulse)
		}
	}()
	return nil
}

func (d *Device) stopBreak() {
	d.breakMu.Lock()
	defer d.breakMu.Unlock()
	if !d.breakOn {
		return
	}
	d.breakOn = false
	close(d.breakCancel)
	d.breakCancel = nil
}

func (d *Device) SendBreak(dur time.Duration) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return base.ErrNotOpened
	}
	return port.Break(dur)
}

func (d *Device) modemStatusBits() *serial.ModemStatusBits {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return &serial.ModemStatusBits{}
	}
	bits, err := port.GetModemStatusBits()
	if err != nil {
		d.logf("GetModemStatusBits: %v", err)
		return &serial.ModemStatusBits{}
	}
	return bits
}

func (d *Device) CTS() bool { return d.modemStatusBits().CTS }
func (d *Device) DSR() bool { return d.modemStatusBits().DSR }
func (d *Device) RI() bool  { return d.modemStatusBits().RI }
func (d *Device) CD() bool  { return d.modemStatusBits().DCD }

func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return base.ErrNotOpened
	}
	return port.ResetInputBuffer()
}

func (d *Device) ResetOutputBuffer() error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return base.ErrNotOpened
	}
	return port.ResetOutputBuffer()
}

// Fd is diagnostic-only: go.bug.st/serial does not expose the underlying
// file descriptor portably across platforms.
func (d *Device) Fd() (uintptr, bool) { return 0, false }

var _ base.SerialDevice = (*Device)(nil)
