package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_WireValues(t *testing.T) {
	want := map[Kind]uint32{
		KindProcessExec:   1,
		KindFileOpen:      2,
		KindRead:          3,
		KindWrite:         4,
		KindAccept:        5,
		KindConnect:       6,
		KindProcessClone:  7,
		KindProcessExit:   8,
		KindTcpConnect:    9,
		KindFunctionProbe: 10,
	}
	for k, v := range want {
		assert.Equal(t, v, uint32(k), k.String())
	}
	assert.Len(t, Kinds(), NumKinds)
}

func TestKind_Bit(t *testing.T) {
	var all uint32
	for _, k := range Kinds() {
		assert.Equal(t, uint32(1)<<(uint32(k)-1), k.Bit())
		all |= k.Bit()
	}
	assert.Equal(t, AllKinds, all)
	assert.Zero(t, Kind(0).Bit())
	assert.Zero(t, Kind(11).Bit())
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"execve", KindProcessExec, false},
		{" tcp_conn ", KindTcpConnect, false},
		{"UPROBE", KindFunctionProbe, false},
		{"exit", KindProcessExit, false},
		{"fork", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownKind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "TCP_CONN", KindTcpConnect.String())
	assert.Equal(t, "open", KindFileOpen.Name())
	assert.Equal(t, "UNKNOWN", Kind(42).String())
	assert.Empty(t, Kind(0).Name())
}
