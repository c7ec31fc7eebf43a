//go:build unix

package listener

import (
	"net"

	"golang.org/x/sys/unix"
)

// setTOS mirrors ser2tcp.py's handle() setting IP_TOS via setsockopt. value
// is one of the config.TOS* constants; 0 (TOSNormal) is still applied so the
// socket option always reflects the configured value explicitly.
func setTOS(conn net.Conn, value int) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, value)
	})
}
