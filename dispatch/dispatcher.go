// Package dispatch turns capture triggers into event records. Every handler
// follows the same protocol: identify the process, consult the filter table
// (and, for function probes, the probe directory), reserve a transport slot,
// fill the header and the one matching payload, commit.
//
// Handlers never block, never allocate and never fail towards their caller:
// a suppressed, unknown or dropped event only shows up in the returned
// Outcome and in the counters.
package dispatch

import (
	"runtime"

	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/ktime"
	"github.com/gotoolkits/lightrace/probedir"
	"github.com/gotoolkits/lightrace/transport"
)

// Outcome is what a single dispatch did.
type Outcome int

const (
	Emitted Outcome = iota
	Filtered
	DirectoryMiss
	TransportFull
)

var outcomeNames = [...]string{
	Emitted:       "emitted",
	Filtered:      "filtered",
	DirectoryMiss: "directory_miss",
	TransportFull: "transport_full",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Outcomes lists every outcome, for metric initialisation.
func Outcomes() []Outcome {
	return []Outcome{Emitted, Filtered, DirectoryMiss, TransportFull}
}

// Reserver is the producer side of the transport.
type Reserver interface {
	TryReserve() (transport.Slot, bool)
}

// Offsets of struct sock_common fields read by the tcp_connect handler.
const (
	SkcDaddrOff    = 0
	SkcRcvSaddrOff = 4
	SkcDportOff    = 12
	SkcNumOff      = 14
)

type Dispatcher struct {
	filters   filter.Reader
	probes    probedir.Resolver
	out       Reserver
	clock     ktime.Clock
	probeArgs int
	stats     Stats
}

type Option func(*Dispatcher)

func WithClock(c ktime.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithProbeArgs sets how many argument registers the platform exposes to
// function probes; the rest of the argument words are zero.
func WithProbeArgs(n int) Option {
	return func(d *Dispatcher) { d.probeArgs = n }
}

func New(filters filter.Reader, probes probedir.Resolver, out Reserver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		filters:   filters,
		probes:    probes,
		out:       out,
		clock:     ktime.MonotonicClock{},
		probeArgs: defaultProbeArgs(runtime.GOARCH),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultProbeArgs(arch string) int {
	switch arch {
	case "amd64", "arm64":
		return event.NumArgs
	}
	return 0
}

func (d *Dispatcher) Stats() *Stats {
	return &d.stats
}

// begin reserves and pre-fills a record for kind. The caller fills the
// payload and commits.
func (d *Dispatcher) begin(kind event.Kind, t *Task) (transport.Slot, *event.Record, Outcome) {
	slot, ok := d.out.TryReserve()
	if !ok {
		d.stats.transportFull.Inc()
		return slot, nil, TransportFull
	}
	rec := slot.Record()
	rec.Reset()
	rec.SetHeader(kind, t.Pid(), t.Tgid(), d.clock.Now())
	boundedCopy(rec.Comm(), t.Comm[:])
	return slot, rec, Emitted
}

func (d *Dispatcher) commit(kind event.Kind, slot transport.Slot) Outcome {
	slot.Commit()
	d.stats.emitted[kind].Inc()
	return Emitted
}

func (d *Dispatcher) enabled(pid uint32, kind event.Kind) bool {
	if d.filters == nil || d.filters.IsEnabled(pid, kind) {
		return true
	}
	d.stats.filtered.Inc()
	return false
}

// HandleExecve captures sys_enter_execve: args[0] is the filename pointer.
func (d *Dispatcher) HandleExecve(ctx *SyscallContext) Outcome {
	if !d.enabled(ctx.Task.Pid(), event.KindProcessExec) {
		return Filtered
	}
	slot, rec, o := d.begin(event.KindProcessExec, &ctx.Task)
	if o != Emitted {
		return o
	}
	readString(ctx.User, rec.Filename(), ctx.Args[0])
	return d.commit(event.KindProcessExec, slot)
}

// HandleOpenat captures sys_enter_openat: args[1] is the filename pointer,
// args[2] the flags.
func (d *Dispatcher) HandleOpenat(ctx *SyscallContext) Outcome {
	if !d.enabled(ctx.Task.Pid(), event.KindFileOpen) {
		return Filtered
	}
	slot, rec, o := d.begin(event.KindFileOpen, &ctx.Task)
	if o != Emitted {
		return o
	}
	readString(ctx.User, rec.Filename(), ctx.Args[1])
	rec.SetFlags(int32(ctx.Args[2]))
	return d.commit(event.KindFileOpen, slot)
}

// handleIO serves read, write, accept and connect. withCount selects
// whether args[2] is a byte count.
func (d *Dispatcher) handleIO(kind event.Kind, ctx *SyscallContext, withCount bool) Outcome {
	if !d.enabled(ctx.Task.Pid(), kind) {
		return Filtered
	}
	slot, rec, o := d.begin(kind, &ctx.Task)
	if o != Emitted {
		return o
	}
	var count uint64
	if withCount {
		count = ctx.Args[2]
	}
	rec.SetIO(int32(ctx.Args[0]), count)
	return d.commit(kind, slot)
}

func (d *Dispatcher) HandleRead(ctx *SyscallContext) Outcome {
	return d.handleIO(event.KindRead, ctx, true)
}

func (d *Dispatcher) HandleWrite(ctx *SyscallContext) Outcome {
	return d.handleIO(event.KindWrite, ctx, true)
}

func (d *Dispatcher) HandleAccept(ctx *SyscallContext) Outcome {
	return d.handleIO(event.KindAccept, ctx, false)
}

func (d *Dispatcher) HandleConnect(ctx *SyscallContext) Outcome {
	return d.handleIO(event.KindConnect, ctx, false)
}

func (d *Dispatcher) handleBare(kind event.Kind, ctx *SyscallContext) Outcome {
	if !d.enabled(ctx.Task.Pid(), kind) {
		return Filtered
	}
	slot, _, o := d.begin(kind, &ctx.Task)
	if o != Emitted {
		return o
	}
	return d.commit(kind, slot)
}

func (d *Dispatcher) HandleClone(ctx *SyscallContext) Outcome {
	return d.handleBare(event.KindProcessClone, ctx)
}

func (d *Dispatcher) HandleExit(ctx *SyscallContext) Outcome {
	return d.handleBare(event.KindProcessExit, ctx)
}

// HandleTCPConnect captures the tcp_connect kernel function. The first
// argument is the socket; its addresses are read best-effort from kernel
// memory.
func (d *Dispatcher) HandleTCPConnect(ctx *ProbeContext) Outcome {
	if !d.enabled(ctx.Task.Pid(), event.KindTcpConnect) {
		return Filtered
	}
	slot, rec, o := d.begin(event.KindTcpConnect, &ctx.Task)
	if o != Emitted {
		return o
	}
	sk := ctx.Regs.Params[0]
	if sk != 0 {
		rec.SetTCP(
			readU32(ctx.Kernel, sk+SkcRcvSaddrOff),
			readU32(ctx.Kernel, sk+SkcDaddrOff),
			readU16(ctx.Kernel, sk+SkcNumOff),
			readU16(ctx.Kernel, sk+SkcDportOff),
		)
	}
	return d.commit(event.KindTcpConnect, slot)
}

// HandleFunctionProbe captures an instrumented user function entry. The
// instruction pointer, together with the pid, must resolve in the probe
// directory; unknown addresses produce nothing, before the filter is
// consulted.
func (d *Dispatcher) HandleFunctionProbe(ctx *ProbeContext) Outcome {
	pid := ctx.Task.Pid()
	if d.probes == nil {
		d.stats.directoryMiss.Inc()
		return DirectoryMiss
	}
	entry, ok := d.probes.Resolve(pid, ctx.Regs.IP)
	if !ok || entry.Name[0] == 0 {
		d.stats.directoryMiss.Inc()
		return DirectoryMiss
	}
	if !d.enabled(pid, event.KindFunctionProbe) {
		return Filtered
	}
	slot, rec, o := d.begin(event.KindFunctionProbe, &ctx.Task)
	if o != Emitted {
		return o
	}
	boundedCopy(rec.Func(), entry.Name[:])

	var args [event.NumArgs]uint64
	if d.probeArgs > 0 {
		args[0] = ctx.Regs.Params[0]
	}
	if d.probeArgs > 1 {
		args[1] = ctx.Regs.Params[1]
	}
	if d.probeArgs > 2 {
		args[2] = ctx.Regs.Params[2]
	}
	if d.probeArgs > 3 {
		args[3] = ctx.Regs.Params[3]
	}
	rec.SetArgs(&args)
	return d.commit(event.KindFunctionProbe, slot)
}
