//go:build linux

package loader

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

type programAttacher struct {
	prog *ebpf.Program
}

func (a *programAttacher) Attach(binary, symbol string, pid int) (Detacher, error) {
	exe, err := link.OpenExecutable(binary)
	if err != nil {
		return nil, err
	}
	return exe.Uprobe(symbol, a.prog, &link.UprobeOptions{PID: pid})
}
