//go:build !unix

package udp

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
