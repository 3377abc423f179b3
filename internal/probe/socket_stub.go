//go:build !linux && !darwin

package probe

import (
	"fmt"
	"runtime"
)

// openRawSocket always fails here; the prober degrades to a no-op on
// platforms without raw IPv4 ICMP socket support.
func openRawSocket() (packetSocket, error) {
	return nil, fmt.Errorf("raw ICMP probing is not supported on %s", runtime.GOOS)
}
