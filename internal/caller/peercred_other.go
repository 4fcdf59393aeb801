//go:build !linux && !darwin

package caller

import "net"

// PeerPID is unavailable on this platform.
func PeerPID(_ net.Conn) int { return 0 }
