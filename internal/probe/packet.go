package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

// Wire layout constants for IPv4 + ICMP echo datagrams (RFC 791, RFC 792).
const (
	ipHeaderLen   = ipv4.HeaderLen // 20 bytes, no options
	icmpHeaderLen = 8

	icmpEchoRequest = 8
	icmpEchoReply   = 0

	protocolICMP = 1

	ipFlagDontFragment = 0x4000

	// MaxPayloadSize bounds the echo payload. Large enough to exercise the
	// path MTU of any tunnel transport, small enough that a request always
	// fits in a single datagram.
	MaxPayloadSize = 1024

	// timestampLen is the size of the wall-clock prefix written into the
	// payload: two big-endian 64-bit fields (seconds, microseconds).
	timestampLen = 16
)

var (
	// ErrNotIPv4Address indicates a destination that is not an IPv4 address.
	ErrNotIPv4Address = errors.New("destination is not an IPv4 address")

	// ErrPayloadSize indicates a payload size outside [0, MaxPayloadSize].
	ErrPayloadSize = errors.New("invalid payload size")

	// ErrShortPacket indicates a datagram shorter than the IPv4 header.
	ErrShortPacket = errors.New("packet too short")

	// ErrNotIPv4 indicates a version nibble other than 4.
	ErrNotIPv4 = errors.New("not an IPv4 packet")

	// ErrBadHeaderLength indicates an IP header length that is below the
	// minimum, extends past the datagram, or leaves no room for an ICMP
	// echo header.
	ErrBadHeaderLength = errors.New("invalid IP header length")

	// ErrNotICMP indicates an IP protocol field other than ICMP.
	ErrNotICMP = errors.New("not an ICMP packet")
)

// BuildEchoRequest constructs a complete IPv4+ICMP echo request datagram
// for transmission on an IP_HDRINCL raw socket. The IP source address and
// IP header checksum are left zero for the kernel to fill in. The payload
// is an incrementing byte pattern with the wall-clock time of now written
// over its first 16 bytes when it is large enough to hold it.
func BuildEchoRequest(dst netip.Addr, id, seq uint16, payloadSize int, dontFragment bool, now time.Time) ([]byte, error) {
	dst = dst.Unmap()
	if !dst.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4Address, dst)
	}
	if payloadSize < 0 || payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d", ErrPayloadSize, payloadSize)
	}

	pkt := make([]byte, ipHeaderLen+icmpHeaderLen+payloadSize)

	// IPv4 header.
	pkt[0] = ipv4.Version<<4 | ipHeaderLen/4
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	// The fragmentation ID only matters for fragment reassembly, which the
	// DF flag normally rules out; the prober identifier is as good a unique
	// value as any.
	binary.BigEndian.PutUint16(pkt[4:6], id)
	if dontFragment {
		binary.BigEndian.PutUint16(pkt[6:8], ipFlagDontFragment)
	}
	pkt[8] = 255 // TTL
	pkt[9] = protocolICMP
	dstBytes := dst.As4()
	copy(pkt[16:20], dstBytes[:])

	// ICMP echo request header.
	msg := pkt[ipHeaderLen:]
	msg[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(msg[4:6], id)
	binary.BigEndian.PutUint16(msg[6:8], seq)

	// Incrementing filler, recognizable in captures.
	payload := msg[icmpHeaderLen:]
	for i := range payload {
		payload[i] = byte(i)
	}
	if payloadSize >= timestampLen {
		binary.BigEndian.PutUint64(payload[0:8], uint64(now.Unix()))
		binary.BigEndian.PutUint64(payload[8:16], uint64(now.Nanosecond()/1e3))
	}

	// The ICMP checksum covers the ICMP header and payload only, and is
	// computed last with the field zeroed.
	binary.BigEndian.PutUint16(msg[2:4], Checksum(msg))

	return pkt, nil
}

// Datagram is one ICMP message read from the raw socket, after IPv4 and
// ICMP header validation. ChecksumOK reports whether the ICMP checksum
// verified; a mismatch does not stop parsing.
type Datagram struct {
	Src        netip.Addr
	Type       uint8
	Code       uint8
	ID         uint16
	Seq        uint16
	Payload    []byte
	ChecksumOK bool
}

// ParseDatagram validates and parses a raw datagram delivered by the
// kernel. The input is untrusted: every length is checked before any field
// at a computed offset is read, so malformed input is rejected rather than
// causing out-of-bounds access.
func ParseDatagram(buf []byte) (Datagram, error) {
	if len(buf) < ipHeaderLen {
		return Datagram{}, fmt.Errorf("%w: read %d bytes, need %d for the IP header", ErrShortPacket, len(buf), ipHeaderLen)
	}
	if version := buf[0] >> 4; version != ipv4.Version {
		return Datagram{}, fmt.Errorf("%w: version %d", ErrNotIPv4, version)
	}
	headerLen := int(buf[0]&0x0f) * 4
	if headerLen < ipHeaderLen || headerLen > len(buf) || len(buf)-headerLen < icmpHeaderLen {
		return Datagram{}, fmt.Errorf("%w: %d bytes (read %d)", ErrBadHeaderLength, headerLen, len(buf))
	}
	// The socket should only deliver ICMP, but check anyway.
	if buf[9] != protocolICMP {
		return Datagram{}, fmt.Errorf("%w: protocol %d", ErrNotICMP, buf[9])
	}

	// The IP total length field is ignored: BSD kernels rewrite it on raw
	// sockets, so the read length is the authoritative size.

	msg := buf[headerLen:]
	return Datagram{
		Src:        netip.AddrFrom4([4]byte(buf[12:16])),
		Type:       msg[0],
		Code:       msg[1],
		ID:         binary.BigEndian.Uint16(msg[4:6]),
		Seq:        binary.BigEndian.Uint16(msg[6:8]),
		Payload:    append([]byte(nil), msg[icmpHeaderLen:]...),
		ChecksumOK: Checksum(msg) == 0,
	}, nil
}
