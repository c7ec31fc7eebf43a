// Package tcp implements base.Stream over a plain net.Conn, in both
// directions: New dials out (used by rfc2217client to reach an access
// server), NewFromConn wraps a connection that has already been accepted.
// The bridge and listener packages use the accepted net.Conn directly and
// do not go through NewFromConn.
package tcp

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"go.uber.org/zap"
)

type tcp struct {
	hostname        string
	port            int
	logger          *zap.SugaredLogger
	connected       bool
	timeout         time.Duration
	conn            net.Conn
	offset          int
	read            int
	buffer          []byte
	deadline        time.Time
	totalincoming   int64
	totaloutgoing   int64
	currentincoming int64
	maxincoming     int64
}

// New builds a base.Stream that dials hostname:port when Open is called.
func New(hostname string, port int, timeout time.Duration) base.Stream {
	return &tcp{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		buffer:   make([]byte, 2048),
	}
}

// NewFromConn wraps an already-accepted connection (e.g. from a
// net.Listener.Accept call) as a base.Stream. Open is a no-op; Close closes
// the underlying connection. label is used only in log lines.
func NewFromConn(conn net.Conn, label string, timeout time.Duration) base.Stream {
	return &tcp{
		hostname:  label,
		conn:      conn,
		connected: true,
		timeout:   timeout,
		buffer:    make([]byte, 2048),
	}
}

func (w *tcp) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Debugf(format, v...)
	}
}

func (t *tcp) Close() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *tcp) Open() error {
	if t.connected {
		return nil
	}
	address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))

	conn, err := net.DialTimeout("tcp", address, t.timeout)
	if err != nil {
		t.logf("connect to %s failed: %v", address, err)
		return fmt.Errorf("connect failed: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	t.logf("connected to %s", address)
	t.conn = conn
	t.connected = true
	return nil
}

func (t *tcp) Disconnect() error {
	if t.connected {
		t.connected = false
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.logf("disconnected from %s", t.hostname)
		t.logf("total bytes incoming: %d, outgoing: %d", t.totalincoming, t.totaloutgoing)
	}
	return nil
}

func (t *tcp) IsOpen() bool {
	return t.connected
}

func (t *tcp) SetMaxReceivedBytes(m int64) {
	t.currentincoming = 0
	t.maxincoming = m
}

func (t *tcp) SetDeadline(d time.Time) {
	t.deadline = d
}

func (t *tcp) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *tcp) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

func (t *tcp) GetRxTxBytes() (int64, int64) {
	return t.totalincoming, t.totaloutgoing
}

func (t *tcp) setcommdeadline() {
	if t.timeout <= 0 && t.deadline.IsZero() {
		return
	}
	cd := time.Now().Add(t.timeout)
	switch {
	case t.deadline.IsZero():
		_ = t.conn.SetDeadline(cd)
	case t.timeout <= 0:
		_ = t.conn.SetDeadline(t.deadline)
	case cd.Before(t.deadline):
		_ = t.conn.SetDeadline(cd)
	default:
		_ = t.conn.SetDeadline(t.deadline)
	}
}

func (t *tcp) Write(src []byte) error {
	if !t.connected {
		return base.ErrNotOpened
	}

	for len(src) > 0 {
		t.setcommdeadline()
		n, err := t.conn.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		t.totaloutgoing += int64(n)
		t.logf("TX (%s): %6d %s", t.hostname, n, encodeHexString(src[:n]))
		src = src[n:]
	}
	return nil
}

func (t *tcp) Read(p []byte) (n int, err error) {
	if !t.connected {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	n = len(p)
	rem := t.read - t.offset
	if rem > 0 {
		if n > rem {
			n = rem
		}
		copy(p, t.buffer[t.offset:t.offset+n])
		t.offset += n
		return
	}

	t.setcommdeadline()
	rx, err := t.conn.Read(t.buffer)
	t.totalincoming += int64(rx)
	t.currentincoming += int64(rx)
	if t.maxincoming > 0 && t.currentincoming > t.maxincoming {
		return 0, fmt.Errorf("received more than allowed")
	}

	if rx > 0 {
		t.read = rx
		if n > rx {
			n = rx
		}
		copy(p, t.buffer[:n])
		t.offset = n
		t.logf("RX (%s): %6d %s", t.hostname, rx, encodeHexString(t.buffer[:rx]))
	}

	if err != nil {
		return 0, err
	}
	if rx == 0 {
		return 0, io.EOF
	}
	return
}

func encodeHexString(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

var _ base.Stream = (*tcp)(nil)
