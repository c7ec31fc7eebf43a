//go:build !unix

package listener

import "net"

// setTOS is a no-op on platforms without IP_TOS socket option support.
func setTOS(conn net.Conn, value int) {}
