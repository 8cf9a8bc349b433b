package loader

import (
	"runtime"

	"github.com/gotoolkits/lightrace/event"
)

// DefaultObjectPath is the bpf2go output for the running architecture.
var DefaultObjectPath = ObjectPath(runtime.GOARCH)

// ObjectPath returns where bpf2go writes the tracer object for goarch.
func ObjectPath(goarch string) string {
	arch := goarch
	switch goarch {
	case "amd64", "386":
		arch = "x86"
	}
	return "bpf/tracer_" + arch + "_bpfel.o"
}

// Names of the maps shared with the kernel object.
const (
	EventsMap     = "events"
	PidFiltersMap = "pid_filters"
	UprobeMap     = "uprobe_configs"

	UprobeProgram = "handle_generic_uprobe"
)

type hookType int

const (
	hookTracepoint hookType = iota
	hookKprobe
)

// hook is one static attachment of a kernel program.
type hook struct {
	program string
	typ     hookType
	group   string
	name    string
	kind    event.Kind
}

func (h hook) String() string {
	if h.typ == hookKprobe {
		return "kprobe/" + h.name
	}
	return "tracepoint/" + h.group + "/" + h.name
}

var hooks = []hook{
	{"handle_execve", hookTracepoint, "syscalls", "sys_enter_execve", event.KindProcessExec},
	{"handle_openat", hookTracepoint, "syscalls", "sys_enter_openat", event.KindFileOpen},
	{"handle_read", hookTracepoint, "syscalls", "sys_enter_read", event.KindRead},
	{"handle_write", hookTracepoint, "syscalls", "sys_enter_write", event.KindWrite},
	{"handle_accept", hookTracepoint, "syscalls", "sys_enter_accept4", event.KindAccept},
	{"handle_connect", hookTracepoint, "syscalls", "sys_enter_connect", event.KindConnect},
	{"handle_clone", hookTracepoint, "syscalls", "sys_enter_clone", event.KindProcessClone},
	{"handle_exit", hookTracepoint, "syscalls", "sys_enter_exit_group", event.KindProcessExit},
	{"handle_tcp_connect", hookKprobe, "", "tcp_connect", event.KindTcpConnect},
}

// Tracepoints returns the "group/name" of every tracepoint the loader
// attaches to.
func Tracepoints() []string {
	var tps []string
	for _, h := range hooks {
		if h.typ == hookTracepoint {
			tps = append(tps, h.group+"/"+h.name)
		}
	}
	return tps
}

// Kprobes returns the kernel functions the loader attaches to.
func Kprobes() []string {
	var fns []string
	for _, h := range hooks {
		if h.typ == hookKprobe {
			fns = append(fns, h.name)
		}
	}
	return fns
}
