package probe

// ForcePathMTUDiscovery is a no-op on Darwin: the DF bit written into the
// header is honored as-is under IP_HDRINCL.
func (s *rawICMPSocket) ForcePathMTUDiscovery() error {
	return nil
}

// platformPrepareHeader swaps ip_len and ip_off to host byte order. The
// BSD raw socket layer expects those two fields in host order under
// IP_HDRINCL.
func platformPrepareHeader(pkt []byte) {
	if len(pkt) < ipHeaderLen {
		return
	}
	pkt[2], pkt[3] = pkt[3], pkt[2]
	pkt[6], pkt[7] = pkt[7], pkt[6]
}
