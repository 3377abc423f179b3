//go:build linux || darwin

package probe

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// rawICMPSocket is the real packetSocket. The descriptor is opened with
// IP_HDRINCL, so outgoing datagrams carry the prober-built IPv4 header,
// and kept non-blocking so sends fail fast instead of stalling. A wake
// pipe lets Shutdown interrupt a blocked Read without racing descriptor
// reuse.
type rawICMPSocket struct {
	fd     int
	wakeRd int
	wakeWr int
}

func openRawSocket() (packetSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("open raw ICMP socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	unix.CloseOnExec(wake[0])
	unix.CloseOnExec(wake[1])

	return &rawICMPSocket{fd: fd, wakeRd: wake[0], wakeWr: wake[1]}, nil
}

// Send transmits the complete datagram in a single non-blocking write.
func (s *rawICMPSocket) Send(pkt []byte, dst netip.Addr) error {
	platformPrepareHeader(pkt)

	sa := &unix.SockaddrInet4{Addr: dst.Unmap().As4()}
	n, err := unix.SendmsgN(s.fd, pkt, nil, sa, 0)
	switch {
	case err == unix.EAGAIN:
		return ErrWouldBlock
	case err != nil:
		return fmt.Errorf("send to %s: %w", dst, err)
	case n != len(pkt):
		return fmt.Errorf("%w: wrote %d of %d bytes to %s", ErrShortSend, n, len(pkt), dst)
	}
	return nil
}

// Read polls until the socket is readable or Shutdown fires, then consumes
// one datagram.
func (s *rawICMPSocket) Read(buf []byte) (int, error) {
	for {
		fds := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.wakeRd), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("poll ICMP socket: %w", err)
		}
		if fds[1].Revents != 0 {
			return 0, ErrSocketClosed
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err == unix.EAGAIN || err == unix.EINTR {
			// Spurious readability; wait again.
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("recvfrom: %w", err)
		}
		return n, nil
	}
}

func (s *rawICMPSocket) Shutdown() {
	unix.Write(s.wakeWr, []byte{0})
}

func (s *rawICMPSocket) Close() error {
	unix.Close(s.wakeRd)
	unix.Close(s.wakeWr)
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("close raw ICMP socket: %w", err)
	}
	return nil
}
