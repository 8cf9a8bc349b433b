package conv

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToIP4(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		want string
	}{
		{"loopback", 0x0100007f, "127.0.0.1"},
		{"private", 0x0101a8c0, "192.168.1.1"},
		{"zero", 0, "0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToIP4(tt.addr).String())
			assert.Equal(t, tt.addr, FromIP4(net.ParseIP(tt.want)))
		})
	}
}

func TestFromIP4_IPv6(t *testing.T) {
	assert.Zero(t, FromIP4(net.ParseIP("::1")))
}

func TestNtohs(t *testing.T) {
	assert.Equal(t, uint16(80), Ntohs(0x5000))
	assert.Equal(t, uint16(0x1f90), Ntohs(0x901f))
}

func TestPutCString(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		in    string
		want  string
		wantN int
	}{
		{"fits", 8, "abc", "abc", 3},
		{"exact capacity is truncated by one", 4, "abcd", "abc", 3},
		{"longer", 4, "abcdefgh", "abc", 3},
		{"empty", 4, "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.size)
			for i := range dst {
				dst[i] = 0xff
			}
			n := PutCString(dst, tt.in)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.want, CString(dst))
			for _, b := range dst[n:] {
				assert.Zero(t, b)
			}
		})
	}

	assert.Zero(t, PutCString(nil, "x"))
}
