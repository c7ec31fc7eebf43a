// Package listener binds one TCP listener per configured bridge and hands
// each accepted connection to the bridge package. It is the Go rendering of
// ser2tcp.py's Bridge.serve_forever/handle and bridges()/serve_forever.
package listener

import (
	"net"
	"strconv"
	"sync"

	"github.com/cybroslabs/ser2tcp-go/base"
	"github.com/cybroslabs/ser2tcp-go/bridge"
	"github.com/cybroslabs/ser2tcp-go/config"
	"go.uber.org/zap"
)

// DeviceFactory builds a fresh base.SerialDevice for one accepted
// connection. A factory is called once per connection so a plain tty and an
// upstream rfc2217client session are both opened and closed per session,
// matching serial_for_config being called inside Bridge.handle.
type DeviceFactory func() (base.SerialDevice, error)

// Listener owns one TCP socket and spawns a bridge session per accepted
// connection.
type Listener struct {
	cfg     config.Config
	newDev  DeviceFactory
	logger  *zap.SugaredLogger

	mu  sync.Mutex
	ln  net.Listener
	wg  sync.WaitGroup
}

// New builds a Listener for cfg. newDevice is called once per accepted
// connection to obtain the SerialDevice that connection bridges to.
func New(cfg config.Config, newDevice DeviceFactory, logger *zap.SugaredLogger) *Listener {
	return &Listener{cfg: cfg, newDev: newDevice, logger: logger}
}

func (l *Listener) logf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Infof(format, v...)
	}
}

// Serve binds the listener's socket and accepts connections until Close is
// called, at which point Serve returns nil.
func (l *Listener) Serve() error {
	addr := net.JoinHostPort(l.cfg.Listener.Host, strconv.Itoa(l.cfg.Listener.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return base.WrapConfigError("binding listener "+addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.logf("%s: ready to accept requests on %s", l.cfg.Name, addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.ln == nil
			l.mu.Unlock()
			if closed {
				return nil
			}
			l.logf("%s: accept error: %v", l.cfg.Name, err)
			return err
		}
		l.wg.Add(1)
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()
	addr := conn.RemoteAddr()
	l.logf("%s: connection from %s", l.cfg.Name, addr)

	if tc, ok := conn.(*net.TCPConn); ok && l.cfg.NoDelay {
		_ = tc.SetNoDelay(true)
	}
	setTOS(conn, l.cfg.TOS)

	device, err := l.newDev()
	if err != nil {
		l.logf("%s: failed to open serial device: %v", l.cfg.Name, err)
		_ = conn.Close()
		return
	}
	if err := device.Open(); err != nil {
		l.logf("%s: failed to open serial device: %v", l.cfg.Name, err)
		_ = conn.Close()
		return
	}

	mode := bridge.ModeRFC2217
	if l.cfg.Mode == config.ModeRaw {
		mode = bridge.ModeRaw
	}
	stats := bridge.Run(conn, device, bridge.Config{Mode: mode}, l.logger)
	l.logf("%s: disconnection from %s (rx=%d tx=%d)", l.cfg.Name, addr, stats.RxBytes, stats.TxBytes)
}

// Close stops accepting new connections. It does not forcibly close
// in-flight sessions; callers that need a bound wait should call Wait after
// Close.
func (l *Listener) Close() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Wait blocks until every in-flight bridge session for this listener has
// finished.
func (l *Listener) Wait() {
	l.wg.Wait()
}
