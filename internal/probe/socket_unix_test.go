//go:build linux || darwin

package probe

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestOpenRawSocket_SendAndShutdown(t *testing.T) {
	sock, err := openRawSocket()
	if err != nil {
		// Raw sockets need root or CAP_NET_RAW.
		t.Skipf("openRawSocket() failed (requires raw socket privileges): %v", err)
	}
	defer sock.Close()

	loopback := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	pkt, err := BuildEchoRequest(loopback, 0x7777, 1, 16, true, time.Now())
	if err != nil {
		t.Fatalf("BuildEchoRequest() error: %v", err)
	}
	if err := sock.Send(pkt, loopback); err != nil && !errors.Is(err, ErrWouldBlock) {
		t.Errorf("Send() error: %v", err)
	}

	// Shutdown must unblock a pending Read.
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			_, err := sock.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			// Loopback reply or unrelated host traffic; keep waiting for
			// the shutdown signal.
		}
	}()

	time.Sleep(50 * time.Millisecond)
	sock.Shutdown()

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrSocketClosed) {
			t.Errorf("Read() after Shutdown = %v, want ErrSocketClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read() did not return after Shutdown")
	}
}
