package event

import (
	"net"
	"time"
)

// EventPayload is the rendered, consumer facing form of an Event.
type EventPayload struct {
	UTime       time.Time `json:"uTime"`
	Kind        string    `json:"kind"`
	Pid         uint32    `json:"pid"`
	Tgid        uint32    `json:"tgid"`
	PPid        string    `json:"ppid,omitempty"`
	Comm        string    `json:"comm"`
	ProcessPath string    `json:"processPath"`
	ProcessArgs string    `json:"processArgs"`
	User        string    `json:"user"`
	ContainerID string    `json:"containerId"`
	Filename    string    `json:"filename,omitempty"`
	Func        string    `json:"func,omitempty"`
	DestIP      net.IP    `json:"dip,omitempty"`
	DestPort    uint16    `json:"dport,omitempty"`
	SrcIP       net.IP    `json:"sip,omitempty"`
	SrcPort     uint16    `json:"sport,omitempty"`
	Details     string    `json:"details"`
}
