// Package probe implements raw-socket ICMP echo probing for gateway
// latency measurement.
//
// A Prober owns a single raw ICMP socket (AF_INET/SOCK_RAW) opened with
// IP_HDRINCL, builds IPv4+ICMP echo request datagrams byte by byte, and
// reports echo replies that carry its identifier through a callback. The
// caller correlates replies with requests and computes round-trip times;
// the prober itself keeps no per-request state.
//
// # Privileges
//
// Raw ICMP sockets require root (or CAP_NET_RAW on Linux). When the socket
// cannot be acquired the Prober is created anyway in a degraded state:
// every SendEchoRequest reports false and no replies are ever delivered.
// Packet construction, checksumming, and reply parsing are pure functions
// over byte slices and need no privileges, so they remain testable
// everywhere.
//
// # Payload timestamp
//
// The first 16 bytes of the echo payload hold the wall-clock send time as
// two big-endian 64-bit fields (seconds, then microseconds). The width is
// fixed rather than platform-dependent; the payload is written for
// recognizability in captures and is not reparsed on receive.
package probe
