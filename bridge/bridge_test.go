package bridge

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"github.com/cybroslabs/ser2tcp-go/telnet"
	"go.uber.org/zap"
)

// fakeDevice is a minimal in-memory base.SerialDevice whose Read pulls from
// a queue fed by the test and whose Close unblocks any pending Read with
// base.ErrNotOpened, letting a test drive serialToTCP's exit path
// deterministically without a real tty.
type fakeDevice struct {
	mu      sync.Mutex
	open    bool
	queue   [][]byte
	written []byte
	cond    *sync.Cond
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{open: true}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *fakeDevice) push(p []byte) {
	d.mu.Lock()
	d.queue = append(d.queue, append([]byte(nil), p...))
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *fakeDevice) Open() error { return nil }
func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.open = false
	d.cond.Broadcast()
	d.mu.Unlock()
	return nil
}
func (d *fakeDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && d.open {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return 0, base.ErrNotOpened
	}
	chunk := d.queue[0]
	d.queue = d.queue[1:]
	n := copy(p, chunk)
	return n, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, p...)
	return len(p), nil
}

func (d *fakeDevice) SetReadTimeout(time.Duration) {}
func (d *fakeDevice) BaudRate() int                 { return 9600 }
func (d *fakeDevice) SetBaudRate(int) error         { return nil }
func (d *fakeDevice) DataBits() int                 { return 8 }
func (d *fakeDevice) SetDataBits(int) error         { return nil }
func (d *fakeDevice) Parity() base.Parity           { return base.ParityNone }
func (d *fakeDevice) SetParity(base.Parity) error   { return nil }
func (d *fakeDevice) StopBits() base.StopBits       { return base.StopBits1 }
func (d *fakeDevice) SetStopBits(base.StopBits) error { return nil }
func (d *fakeDevice) XonXoff() bool                 { return false }
func (d *fakeDevice) SetXonXoff(bool) error         { return nil }
func (d *fakeDevice) RtsCts() bool                  { return false }
func (d *fakeDevice) SetRtsCts(bool) error          { return nil }
func (d *fakeDevice) DTR() bool                     { return false }
func (d *fakeDevice) SetDTR(bool) error             { return nil }
func (d *fakeDevice) RTS() bool                     { return false }
func (d *fakeDevice) SetRTS(bool) error              { return nil }
func (d *fakeDevice) SetBreak(bool) error            { return nil }
func (d *fakeDevice) SendBreak(time.Duration) error  { return nil }
func (d *fakeDevice) CTS() bool                      { return false }
func (d *fakeDevice) DSR() bool                      { return false }
func (d *fakeDevice) RI() bool                       { return false }
func (d *fakeDevice) CD() bool                       { return false }
func (d *fakeDevice) ResetInputBuffer() error         { return nil }
func (d *fakeDevice) ResetOutputBuffer() error        { return nil }
func (d *fakeDevice) Fd() (uintptr, bool)             { return 0, false }

var _ base.SerialDevice = (*fakeDevice)(nil)

func TestRunRawModeSkipsEscaping(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	dev := newFakeDevice()
	dev.push([]byte{0x41, telnet.IAC, 0x42})

	statsCh := make(chan Stats, 1)
	go func() {
		statsCh <- Run(server, dev, Config{Mode: ModeRaw}, zap.NewNop().Sugar())
	}()

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client Read: %v", err)
	}
	want := []byte{0x41, telnet.IAC, 0x42}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("raw mode output = % X, want % X (no IAC doubling)", buf[:n], want)
	}

	client.Close()
	select {
	case <-statsCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after client closed")
	}
}

func TestRunRFC2217ModeEscapesIAC(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	dev := newFakeDevice()
	dev.push([]byte{0x41, telnet.IAC, 0x42})

	statsCh := make(chan Stats, 1)
	go func() {
		statsCh <- Run(server, dev, Config{Mode: ModeRFC2217}, zap.NewNop().Sugar())
	}()

	// Drain until the escaped user-data frame shows up; earlier reads may
	// observe the initial WILL/DO negotiation PortManager sends on Start.
	deadline := time.Now().Add(2 * time.Second)
	var seen []byte
	for time.Now().Before(deadline) {
		buf := make([]byte, 64)
		client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := client.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
		}
		if bytes.Contains(seen, []byte{0x41, telnet.IAC, telnet.IAC, 0x42}) {
			break
		}
		if err != nil && n == 0 {
			continue
		}
	}
	if !bytes.Contains(seen, []byte{0x41, telnet.IAC, telnet.IAC, 0x42}) {
		t.Fatalf("did not observe escaped user data in %X", seen)
	}

	client.Close()
	select {
	case <-statsCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after client closed")
	}
}

func TestRunClosesDeviceOnConnClose(t *testing.T) {
	server, client := net.Pipe()
	dev := newFakeDevice()

	statsCh := make(chan Stats, 1)
	go func() {
		statsCh <- Run(server, dev, Config{Mode: ModeRaw}, nil)
	}()

	client.Close()
	select {
	case <-statsCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after client closed")
	}
	if dev.IsOpen() {
		t.Fatal("Run should close the device once the session ends")
	}
}
