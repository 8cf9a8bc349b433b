// Package conv holds the small byte-level conversions shared by the wire
// codec and the renderers.
package conv

import (
	"net"

	"golang.org/x/sys/unix"
)

// ToIP4 converts an IPv4 address as stored by the kernel (network order
// bytes read into a little-endian word) into a net.IP.
func ToIP4(addr uint32) net.IP {
	return net.IPv4(byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24))
}

// FromIP4 is the inverse of ToIP4. Non-IPv4 addresses map to 0.
func FromIP4(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0]) | uint32(v4[1])<<8 | uint32(v4[2])<<16 | uint32(v4[3])<<24
}

// Ntohs swaps a 16-bit port read in network byte order.
func Ntohs(port uint16) uint16 {
	return port<<8 | port>>8
}

// CString returns the bytes of b up to the first NUL.
func CString(b []byte) string {
	return unix.ByteSliceToString(b)
}

// PutCString copies s into dst keeping at most len(dst)-1 bytes, NUL
// terminates it and zeroes the remainder. It returns the number of bytes
// copied, not counting the terminator.
func PutCString(dst []byte, s string) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], s)
	clear(dst[n:])
	return n
}
