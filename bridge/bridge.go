// Package bridge runs the per-connection pumps that copy bytes between a
// serial device and the TCP socket a listener accepted, in either rfc2217
// or raw mode. It is the goroutine translation of ser2tcp.py's Bridge.handle
// and serial_to_tcp_loop/tcp_to_serial_loop/poll_statusline.
package bridge

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"github.com/cybroslabs/ser2tcp-go/portmanager"
	"github.com/cybroslabs/ser2tcp-go/telnet"
	"go.uber.org/zap"
)

// joinTimeout bounds how long Run waits for the losing pump to notice
// the connection is closing before it gives up and returns anyway.
const joinTimeout = 7 * time.Second

const pollPeriod = 1 * time.Second

// Mode selects which Manager a connection uses.
type Mode int

const (
	ModeRFC2217 Mode = iota
	ModeRaw
)

// Stats carries the cumulative byte counters of one finished connection,
// mirroring tcp.go's totalincoming/totaloutgoing fields.
type Stats struct {
	RxBytes int64
	TxBytes int64
}

// Config is everything one accepted connection needs to run a bridge
// session; it is independent of how the serial device and socket were
// obtained so the same Run works for both rfc2217 and raw modes.
type Config struct {
	Mode Mode
	// ReadChunk is the buffer size used for each serial read and each
	// socket read. Matches tcp_to_serial's recv(1024) in the original.
	ReadChunk int
}

// Run drives one accepted connection until either side closes or errors,
// then closes both the device and the connection and returns byte counts.
// conn is expected to already be configured (TCP_NODELAY, TOS) by the
// caller (listener). Run blocks until the session ends.
func Run(conn net.Conn, device base.SerialDevice, cfg Config, logger *zap.SugaredLogger) Stats {
	b := &session{
		conn:      conn,
		device:    device,
		logger:    logger,
		readChunk: cfg.ReadChunk,
		escape:    cfg.Mode != ModeRaw,
	}
	if b.readChunk <= 0 {
		b.readChunk = 1024
	}

	if cfg.Mode == ModeRaw {
		b.manager = portmanager.NewRaw(device)
	} else {
		b.manager = portmanager.New(device, b.writeLocked, logger)
	}
	return b.run()
}

type session struct {
	conn      net.Conn
	device    base.SerialDevice
	logger    *zap.SugaredLogger
	manager   portmanager.Manager
	readChunk int
	// escape doubles outgoing IAC bytes, which only makes sense when the
	// socket is carrying Telnet framing; raw mode leaves the byte stream
	// untouched, matching RawPortManager's identity Filter on the other
	// direction.
	escape bool

	writeMu sync.Mutex

	rx, tx int64
}

func (b *session) logf(format string, v ...any) {
	if b.logger != nil {
		b.logger.Infof(format, v...)
	}
}

// writeLocked is the WriteFunc handed to portmanager.New: it serializes
// Telnet negotiation/subnegotiation replies against in-band user data on
// the same socket, per the single write-mutex design note.
func (b *session) writeLocked(p []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := b.conn.Write(p)
	if err == nil {
		b.tx += int64(len(p))
	}
	return err
}

func (b *session) run() Stats {
	b.manager.Start()

	done := make(chan struct{}, 2)
	stop := make(chan struct{})

	go func() {
		defer func() { done <- struct{}{} }()
		b.serialToTCP(stop)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		b.tcpToSerial(stop)
	}()

	var pollDone chan struct{}
	if _, ok := b.manager.(*portmanager.PortManager); ok {
		pollDone = make(chan struct{})
		go b.pollModem(stop, pollDone)
	}

	<-done
	close(stop)
	_ = b.device.Close()
	_ = b.conn.Close()
	if pollDone != nil {
		<-pollDone
	}

	select {
	case <-done:
	case <-time.After(joinTimeout):
		b.logf("bridge: pump did not exit within %s", joinTimeout)
	}

	return Stats{RxBytes: b.rx, TxBytes: b.tx}
}

func (b *session) serialToTCP(stop <-chan struct{}) {
	b.logf("serial to tcp task started")
	defer b.logf("serial to tcp task terminated")

	buf := make([]byte, b.readChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := b.device.Read(buf)
		if n > 0 {
			out := buf[:n]
			if b.escape {
				out = telnet.Escape(out)
			}
			if werr := b.writeLocked(out); werr != nil {
				b.logf("serial to tcp write failed: %v", werr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, base.ErrNothingToRead) || errors.Is(err, base.ErrCommunicationTimeout) {
				continue
			}
			b.logf("serial to tcp read error: %v", err)
			return
		}
	}
}

func (b *session) tcpToSerial(stop <-chan struct{}) {
	b.logf("tcp to serial task started")
	defer b.logf("tcp to serial task terminated")

	buf := make([]byte, b.readChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := b.conn.Read(buf)
		if n > 0 {
			b.rx += int64(n)
			if ferr := b.manager.Filter(buf[:n]); ferr != nil {
				b.logf("tcp to serial filter error: %v", ferr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				b.logf("client disconnected")
			} else {
				b.logf("tcp to serial read error: %v", err)
			}
			return
		}
	}
}

func (b *session) pollModem(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	b.logf("poll task started")
	defer b.logf("poll task terminated")

	t := time.NewTicker(pollPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.manager.NotifyModemState(false)
		}
	}
}
