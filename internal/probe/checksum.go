package probe

// Checksum computes the RFC 1071 internet checksum over buf: 16-bit words
// are summed into a 32-bit accumulator, an odd trailing byte counts as the
// high octet of a final word, the carries are folded back in, and the
// one's complement of the low 16 bits is returned.
//
// Computing over a buffer whose checksum field is zero yields the value to
// store in that field; computing over a buffer with a correct checksum in
// place yields zero.
func Checksum(buf []byte) uint16 {
	var sum uint32
	for ; len(buf) >= 2; buf = buf[2:] {
		sum += uint32(buf[0])<<8 | uint32(buf[1])
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}

	// Fold the carries back into the low 16 bits. Folding twice suffices
	// for any input up to 64 KiB.
	sum = sum&0xffff + sum>>16
	sum = sum&0xffff + sum>>16

	return ^uint16(sum)
}
