package portmanager

import (
	"bytes"
	"testing"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
)

// fakeDevice is a minimal in-memory base.SerialDevice for exercising
// PortManager without a real tty.
type fakeDevice struct {
	open     bool
	baud     int
	dataBits int
	parity   base.Parity
	stopBits base.StopBits
	xonxoff  bool
	rtscts   bool
	dtr, rts bool
	written  []byte

	cts, dsr, ri, cd bool

	inputReset, outputReset int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{open: true, baud: 9600, dataBits: 8, parity: base.ParityNone, stopBits: base.StopBits1}
}

func (d *fakeDevice) Open() error  { d.open = true; return nil }
func (d *fakeDevice) Close() error { d.open = false; return nil }
func (d *fakeDevice) IsOpen() bool { return d.open }

func (d *fakeDevice) Read(p []byte) (int, error)  { return 0, nil }
func (d *fakeDevice) Write(p []byte) (int, error) { d.written = append(d.written, p...); return len(p), nil }

func (d *fakeDevice) SetReadTimeout(time.Duration) {}

func (d *fakeDevice) BaudRate() int          { return d.baud }
func (d *fakeDevice) SetBaudRate(b int) error { d.baud = b; return nil }
func (d *fakeDevice) DataBits() int          { return d.dataBits }
func (d *fakeDevice) SetDataBits(b int) error { d.dataBits = b; return nil }
func (d *fakeDevice) Parity() base.Parity          { return d.parity }
func (d *fakeDevice) SetParity(p base.Parity) error { d.parity = p; return nil }
func (d *fakeDevice) StopBits() base.StopBits          { return d.stopBits }
func (d *fakeDevice) SetStopBits(s base.StopBits) error { d.stopBits = s; return nil }

func (d *fakeDevice) XonXoff() bool             { return d.xonxoff }
func (d *fakeDevice) SetXonXoff(e bool) error   { d.xonxoff = e; return nil }
func (d *fakeDevice) RtsCts() bool              { return d.rtscts }
func (d *fakeDevice) SetRtsCts(e bool) error    { d.rtscts = e; return nil }

func (d *fakeDevice) DTR() bool           { return d.dtr }
func (d *fakeDevice) SetDTR(on bool) error { d.dtr = on; return nil }
func (d *fakeDevice) RTS() bool           { return d.rts }
func (d *fakeDevice) SetRTS(on bool) error { d.rts = on; return nil }

func (d *fakeDevice) SetBreak(bool) error            { return nil }
func (d *fakeDevice) SendBreak(time.Duration) error { return nil }

func (d *fakeDevice) CTS() bool { return d.cts }
func (d *fakeDevice) DSR() bool { return d.dsr }
func (d *fakeDevice) RI() bool  { return d.ri }
func (d *fakeDevice) CD() bool  { return d.cd }

func (d *fakeDevice) ResetInputBuffer() error  { d.inputReset++; return nil }
func (d *fakeDevice) ResetOutputBuffer() error { d.outputReset++; return nil }

func (d *fakeDevice) Fd() (uintptr, bool) { return 0, false }

var _ base.SerialDevice = (*fakeDevice)(nil)

func newTestManager() (*PortManager, *fakeDevice, *bytes.Buffer) {
	dev := newFakeDevice()
	var out bytes.Buffer
	m := New(dev, func(b []byte) error { out.Write(b); return nil }, nil)
	return m, dev, &out
}

// TestS1InitialHandshake covers scenario S1: the client's WILL
// COM_PORT_OPTION is acked with DO COM_PORT_OPTION, and client_is_rfc2217
// becomes true on activation.
func TestS1InitialHandshake(t *testing.T) {
	m, _, out := newTestManager()
	m.Start()
	out.Reset()

	if err := m.Filter([]byte{0xff, 0xfb, 0x2c}); err != nil { // IAC WILL COM_PORT_OPTION
		t.Fatalf("Filter: %v", err)
	}
	got := out.Bytes()
	want := []byte{0xff, 0xfd, 0x2c} // IAC DO COM_PORT_OPTION
	if !bytes.Contains(got, want) {
		t.Fatalf("reply = % x, want to contain % x", got, want)
	}
	if !m.ClientIsRFC2217() {
		t.Fatal("expected client_is_rfc2217 to become true")
	}
}

// TestS2SetBaudrate covers scenario S2.
func TestS2SetBaudrate(t *testing.T) {
	m, dev, out := newTestManager()
	out.Reset()

	frame := []byte{0xff, 0xfa, 0x2c, 0x01, 0x00, 0x01, 0xc2, 0x00, 0xff, 0xf0}
	if err := m.Filter(frame); err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if dev.baud != 115200 {
		t.Fatalf("baud = %d, want 115200", dev.baud)
	}
	want := []byte{0xff, 0xfa, 0x2c, 0x65, 0x00, 0x01, 0xc2, 0x00, 0xff, 0xf0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("reply = % x, want % x", out.Bytes(), want)
	}
}

// TestS3IACEscaping covers scenario S3: on the wire 41 FF FF 42 arrives for
// user payload 41 FF 42, and the filter writes exactly that to the device.
func TestS3IACEscaping(t *testing.T) {
	m, dev, _ := newTestManager()
	if err := m.Filter([]byte{0x41, 0xff, 0xff, 0x42}); err != nil {
		t.Fatalf("Filter: %v", err)
	}
	want := []byte{0x41, 0xff, 0x42}
	if !bytes.Equal(dev.written, want) {
		t.Fatalf("device got % x, want % x", dev.written, want)
	}
}

// TestS4ModemNotification covers scenario S4.
func TestS4ModemNotification(t *testing.T) {
	m, dev, out := newTestManager()
	m.mu.Lock()
	m.clientIsRFC2217 = true
	m.mu.Unlock()

	dev.cts = true
	out.Reset()
	m.NotifyModemState(false)

	want := []byte{0xff, 0xfa, 0x2c, 0x6b, 0x11, 0xff, 0xf0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("notification = % x, want % x", out.Bytes(), want)
	}

	out.Reset()
	m.NotifyModemState(false) // nothing changed, expect silence
	if out.Len() != 0 {
		t.Fatalf("expected no notification on unchanged poll, got % x", out.Bytes())
	}
}

// TestS5PurgeBothBuffers covers scenario S5.
func TestS5PurgeBothBuffers(t *testing.T) {
	m, dev, out := newTestManager()
	out.Reset()

	frame := []byte{0xff, 0xfa, 0x2c, 0x0c, 0x03, 0xff, 0xf0}
	if err := m.Filter(frame); err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if dev.inputReset != 1 || dev.outputReset != 1 {
		t.Fatalf("inputReset=%d outputReset=%d, want 1 and 1", dev.inputReset, dev.outputReset)
	}
	want := []byte{0xff, 0xfa, 0x2c, 0x70, 0x03, 0xff, 0xf0}
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("reply = % x, want % x", out.Bytes(), want)
	}
}

// TestS6UnsupportedOptionRejected covers scenario S6.
func TestS6UnsupportedOptionRejected(t *testing.T) {
	m, _, out := newTestManager()
	out.Reset()

	if err := m.Filter([]byte{0xff, 0xfb, 0x18}); err != nil { // WILL TERMINAL-TYPE
		t.Fatalf("Filter: %v", err)
	}
	want := []byte{0xff, 0xfe, 0x18} // DONT TERMINAL-TYPE
	if !bytes.Equal(out.Bytes(), want) {
		t.Fatalf("reply = % x, want % x", out.Bytes(), want)
	}
}
