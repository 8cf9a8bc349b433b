package event

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Kind is the event discriminant. The values are part of the wire format and
// of the filter bitmask: bit (Kind-1) of a filter mask enables the kind.
type Kind uint32

const (
	KindProcessExec Kind = iota + 1
	KindFileOpen
	KindRead
	KindWrite
	KindAccept
	KindConnect
	KindProcessClone
	KindProcessExit
	KindTcpConnect
	KindFunctionProbe
)

// NumKinds is the number of defined kinds.
const NumKinds = 10

// AllKinds is the filter mask with every kind enabled.
const AllKinds uint32 = 1<<NumKinds - 1

var kindNames = [NumKinds + 1]string{
	KindProcessExec:   "execve",
	KindFileOpen:      "open",
	KindRead:          "read",
	KindWrite:         "write",
	KindAccept:        "accept",
	KindConnect:       "connect",
	KindProcessClone:  "clone",
	KindProcessExit:   "exit",
	KindTcpConnect:    "tcp_conn",
	KindFunctionProbe: "uprobe",
}

func (k Kind) Valid() bool {
	return k >= KindProcessExec && k <= KindFunctionProbe
}

// Bit returns the filter mask bit for k, or 0 for an invalid kind.
func (k Kind) Bit() uint32 {
	if !k.Valid() {
		return 0
	}
	return 1 << (k - 1)
}

// Name is the lowercase name used in configuration.
func (k Kind) Name() string {
	if !k.Valid() {
		return ""
	}
	return kindNames[k]
}

func (k Kind) String() string {
	if !k.Valid() {
		return "UNKNOWN"
	}
	return strings.ToUpper(kindNames[k])
}

// Kinds returns every defined kind in wire order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, NumKinds)
	for k := KindProcessExec; k <= KindFunctionProbe; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseKind accepts either the configuration name or the display label.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k := KindProcessExec; k <= KindFunctionProbe; k++ {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}
