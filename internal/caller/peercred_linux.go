//go:build linux

package caller

import (
	"net"

	"golang.org/x/sys/unix"
)

// PeerPID reads the connecting process id off a unix socket via SO_PEERCRED.
// Returns 0 when the connection is not a unix socket or the lookup fails.
func PeerPID(conn net.Conn) int {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0
	}
	var pid int
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil {
			pid = int(cred.Pid)
		}
	})
	if ctrlErr != nil {
		return 0
	}
	return pid
}
