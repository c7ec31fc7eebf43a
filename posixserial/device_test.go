package posixserial

import (
	"testing"

	"github.com/cybroslabs/ser2tcp-go/base"
	"go.bug.st/serial"
)

func TestToModeTranslatesFields(t *testing.T) {
	cases := []struct {
		name string
		in   base.SerialSettings
		want *serial.Mode
	}{
		{
			name: "defaults",
			in:   base.SerialSettings{BaudRate: 9600, DataBits: base.Serial8DataBits, Parity: base.ParityNone, StopBits: base.StopBits1},
			want: &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name: "odd parity two stop bits",
			in:   base.SerialSettings{BaudRate: 115200, DataBits: base.Serial7DataBits, Parity: base.ParityOdd, StopBits: base.StopBits2},
			want: &serial.Mode{BaudRate: 115200, DataBits: 7, Parity: serial.OddParity, StopBits: serial.TwoStopBits},
		},
		{
			name: "even parity one-and-a-half stop bits",
			in:   base.SerialSettings{BaudRate: 57600, DataBits: base.Serial6DataBits, Parity: base.ParityEven, StopBits: base.StopBits1Half},
			want: &serial.Mode{BaudRate: 57600, DataBits: 6, Parity: serial.EvenParity, StopBits: serial.OnePointFiveStopBits},
		},
		{
			name: "mark parity",
			in:   base.SerialSettings{BaudRate: 4800, DataBits: base.Serial5DataBits, Parity: base.ParityMark, StopBits: base.StopBits1},
			want: &serial.Mode{BaudRate: 4800, DataBits: 5, Parity: serial.MarkParity, StopBits: serial.OneStopBit},
		},
		{
			name: "unknown databits falls back to eight",
			in:   base.SerialSettings{BaudRate: 9600, DataBits: 42, Parity: base.ParityNone, StopBits: base.StopBits1},
			want: &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := toMode(c.in)
			if *got != *c.want {
				t.Errorf("toMode(%+v) = %+v, want %+v", c.in, *got, *c.want)
			}
		})
	}
}

func TestSpaceParity(t *testing.T) {
	got := toMode(base.SerialSettings{BaudRate: 9600, DataBits: base.Serial8DataBits, Parity: base.ParitySpace, StopBits: base.StopBits1})
	if got.Parity != serial.SpaceParity {
		t.Errorf("Parity = %v, want SpaceParity", got.Parity)
	}
}

func TestNewDeviceStartsClosed(t *testing.T) {
	d := New("/dev/null-test", base.SerialSettings{BaudRate: 9600, DataBits: 8, Parity: base.ParityNone, StopBits: base.StopBits1}, nil)
	if d.IsOpen() {
		t.Fatal("a freshly built Device should not report open")
	}
	if _, err := d.Read(make([]byte, 1)); err != base.ErrNotOpened {
		t.Fatalf("Read on closed device: got %v, want ErrNotOpened", err)
	}
	if _, err := d.Write([]byte{1}); err != base.ErrNotOpened {
		t.Fatalf("Write on closed device: got %v, want ErrNotOpened", err)
	}
}

func TestSetBreakToggle(t *testing.T) {
	d := New("/dev/null-test", base.SerialSettings{}, nil)
	// With no open port, SetBreak(true) starts the pulse goroutine, which
	// exits immediately once it observes a nil port; SetBreak(false) must
	// still be safe to call without ever having opened the device.
	if err := d.SetBreak(true); err != nil {
		t.Fatalf("SetBreak(true): %v", err)
	}
	if err := d.SetBreak(false); err != nil {
		t.Fatalf("SetBreak(false): %v", err)
	}
}
