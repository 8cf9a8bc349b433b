package dispatch

import "encoding/binary"

// readString performs a best-effort bounded string copy into dst. A failed
// read leaves dst zeroed; a successful one is always NUL terminated.
func readString(mem Memory, dst []byte, addr uint64) {
	if mem == nil || addr == 0 || len(dst) == 0 {
		return
	}
	n, err := mem.ReadString(dst, addr)
	if err != nil {
		clear(dst)
		return
	}
	if n < 0 || n > len(dst)-1 {
		n = len(dst) - 1
	}
	clear(dst[n:])
}

// boundedCopy copies the C string in src, at most len(dst)-1 bytes, and
// terminates it.
func boundedCopy(dst []byte, src []byte) {
	n := copy(dst[:len(dst)-1], src)
	for i := 0; i < n; i++ {
		if dst[i] == 0 {
			n = i
			break
		}
	}
	clear(dst[n:])
}

func readU32(mem Memory, addr uint64) uint32 {
	var b [4]byte
	if mem == nil || mem.Read(b[:], addr) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func readU16(mem Memory, addr uint64) uint16 {
	var b [2]byte
	if mem == nil || mem.Read(b[:], addr) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b[:])
}
