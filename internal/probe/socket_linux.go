package probe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ForcePathMTUDiscovery pins the socket to strict path-MTU-discovery mode
// so the kernel honors the DF flag and never fragments locally. Linux
// requires this in addition to the DF bit in the header.
func (s *rawICMPSocket) ForcePathMTUDiscovery() error {
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return fmt.Errorf("set IP_MTU_DISCOVER: %w", err)
	}
	return nil
}

// platformPrepareHeader is a no-op on Linux: raw sockets take the total
// length and fragment offset fields in network byte order as built.
func platformPrepareHeader([]byte) {}
