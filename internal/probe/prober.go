package probe

import (
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloq/gwprobe/internal/logging"
)

// maxDatagramSize is the receive buffer size, comfortably above any echo
// reply the prober can provoke.
const maxDatagramSize = 2048

var (
	// ErrSocketClosed is returned by packetSocket.Read after Shutdown.
	ErrSocketClosed = errors.New("icmp socket closed")

	// ErrWouldBlock indicates the kernel send buffer was full.
	ErrWouldBlock = errors.New("send would block")

	// ErrShortSend indicates fewer bytes than the full datagram were written.
	ErrShortSend = errors.New("short send")
)

// packetSocket is the privileged raw-socket surface the Prober depends on.
// Keeping it narrow means packet construction and reply handling stay
// exercisable without elevated privileges.
type packetSocket interface {
	// Send transmits one complete IP_HDRINCL datagram without blocking.
	Send(pkt []byte, dst netip.Addr) error

	// Read blocks until a datagram arrives or Shutdown is called, and
	// consumes exactly one datagram per call.
	Read(buf []byte) (int, error)

	// ForcePathMTUDiscovery configures the socket so the kernel honors the
	// DF flag, on platforms that need it.
	ForcePathMTUDiscovery() error

	// Shutdown wakes any blocked Read; Close releases the descriptors once
	// the reader has stopped.
	Shutdown()
	Close() error
}

// ReplyFunc receives the IPv4 source address of each valid echo reply. It
// is invoked from the prober's read goroutine, at most once per datagram.
type ReplyFunc func(src netip.Addr)

// Prober sends ICMP echo requests on a raw socket it owns exclusively and
// reports matching replies. Replies are scoped to one Prober by a random
// 16-bit identifier, so two instances in the same process never cross-fire.
//
// SendEchoRequest is not safe for concurrent use; the expected shape is a
// single probing goroutine plus the internal read goroutine.
type Prober struct {
	identifier uint16
	sequence   uint16

	sock    packetSocket
	onReply ReplyFunc
	logger  *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a Prober and acquires its raw ICMP socket. Acquisition
// failures (typically missing privileges) are logged, not returned: the
// prober comes up degraded, with every send reporting false, and stays
// usable as a no-op for its lifetime.
func New(onReply ReplyFunc, logger *slog.Logger) *Prober {
	sock, err := openRawSocket()
	if err != nil {
		logger.Warn("failed to open ICMP socket, latency probing disabled",
			logging.KeyComponent, "probe",
			logging.KeyError, err)
		sock = nil
	}
	return newProber(sock, onReply, logger)
}

func newProber(sock packetSocket, onReply ReplyFunc, logger *slog.Logger) *Prober {
	p := &Prober{
		identifier: rand.N[uint16](math.MaxUint16),
		sock:       sock,
		onReply:    onReply,
		logger:     logger.With(slog.String(logging.KeyComponent, "probe")),
	}
	if p.sock != nil {
		p.wg.Add(1)
		go p.readLoop()
	}
	return p
}

// Identifier returns the random identifier stamped into this prober's echo
// requests.
func (p *Prober) Identifier() uint16 {
	return p.identifier
}

// SendEchoRequest builds and transmits one echo request to addr with
// payloadSize bytes of payload. When allowFragment is false the datagram
// carries the DF flag and the socket is switched to strict path-MTU
// discovery where the platform requires it.
//
// The send is best-effort and non-blocking: it reports false on a degraded
// prober, a full send buffer, a short write, or a DF configuration
// failure, and the prober remains usable afterwards. The sequence number
// is consumed on every call that reaches packet construction, wrapping at
// 65536.
func (p *Prober) SendEchoRequest(addr netip.Addr, payloadSize int, allowFragment bool) bool {
	if p.sock == nil || p.closed.Load() {
		return false
	}

	seq := p.sequence
	p.sequence++ // wraps, by design

	pkt, err := BuildEchoRequest(addr, p.identifier, seq, payloadSize, !allowFragment, time.Now())
	if err != nil {
		p.logger.Warn("failed to build echo request",
			logging.KeyAddress, addr.String(),
			logging.KeyError, err)
		return false
	}

	if !allowFragment {
		if err := p.sock.ForcePathMTUDiscovery(); err != nil {
			p.logger.Warn("failed to set DF mode on ICMP socket",
				logging.KeyAddress, addr.String(),
				logging.KeyError, err)
			return false
		}
	}

	switch err := p.sock.Send(pkt, addr); {
	case err == nil:
		return true
	case errors.Is(err, ErrWouldBlock):
		p.logger.Warn("ping would have blocked",
			logging.KeyAddress, addr.String(),
			logging.KeySequence, seq)
	default:
		p.logger.Warn("failed to ping",
			logging.KeyAddress, addr.String(),
			logging.KeySequence, seq,
			logging.KeyError, err)
	}
	return false
}

// Close stops the read goroutine and releases the socket. A degraded
// prober closes trivially. Close is idempotent.
func (p *Prober) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.sock == nil {
		return nil
	}
	p.sock.Shutdown()
	p.wg.Wait()
	return p.sock.Close()
}

func (p *Prober) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := p.sock.Read(buf)
		if err != nil {
			if errors.Is(err, ErrSocketClosed) {
				return
			}
			// Unexpected: the socket signaled readable and then failed.
			p.logger.Warn("failed to read from ICMP socket", logging.KeyError, err)
			continue
		}
		p.handleDatagram(buf[:n])
	}
}

// handleDatagram runs the validation pipeline over one received datagram
// and fires the reply callback if it is an echo reply addressed to this
// prober.
func (p *Prober) handleDatagram(buf []byte) {
	dgram, err := ParseDatagram(buf)
	if err != nil {
		p.logger.Warn("dropping malformed datagram",
			logging.KeyBytes, len(buf),
			logging.KeyError, err)
		return
	}

	if !dgram.ChecksumOK {
		// Tolerated: the packet is still inspected below, but the
		// corruption is made visible.
		p.logger.Warn("received corrupt ICMP packet",
			logging.KeyAddress, dgram.Src.String())
	}

	if dgram.Type != icmpEchoReply || dgram.Code != 0 || dgram.ID != p.identifier {
		// A raw ICMP socket sees every ICMP datagram delivered to the
		// host; foreign traffic is routine, so no log.
		return
	}

	if p.onReply != nil {
		p.onReply(dgram.Src)
	}
}
