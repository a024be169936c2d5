package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
)

// Uint returns b as an unsigned integer, most significant byte first.
func Uint(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

// Port decodes a 2-byte big-endian port.
func Port(b []byte) uint16 {
	return uint16(Uint(b[:2]))
}

// PortBytes encodes p as 2 big-endian bytes.
func PortBytes(p uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, p)
	return b
}

// IPv4String formats 4 raw octets as a dotted-decimal string.
func IPv4String(b []byte) string {
	buf := make([]byte, 0, len("255.255.255.255"))
	for i, c := range b[:4] {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = strconv.AppendUint(buf, uint64(c), 10)
	}
	return string(buf)
}

// IPv4Bytes parses a dotted-decimal IPv4 address into 4 raw octets.
func IPv4Bytes(s string) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("parse ipv4 %q: %w", s, err)
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("parse ipv4 %q: not an IPv4 address", s)
	}
	a := addr.As4()
	return a[:], nil
}
