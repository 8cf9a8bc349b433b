package dispatch

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/probedir"
	"github.com/gotoolkits/lightrace/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock uint64

func (c fixedClock) Now() uint64 { return uint64(c) }

var errFault = errors.New("fault")

// fakeMemory maps addresses to strings and raw byte ranges.
type fakeMemory struct {
	strs map[uint64]string
	raw  map[uint64][]byte
}

func (m *fakeMemory) ReadString(dst []byte, addr uint64) (int, error) {
	s, ok := m.strs[addr]
	if !ok {
		// a faulting read may leave garbage behind
		for i := range dst {
			dst[i] = 0xee
		}
		return 0, errFault
	}
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
	return n, nil
}

func (m *fakeMemory) Read(dst []byte, addr uint64) error {
	b, ok := m.raw[addr]
	if !ok || len(b) < len(dst) {
		return errFault
	}
	copy(dst, b)
	return nil
}

type harness struct {
	filters *filter.Table
	probes  *probedir.Directory
	ch      *transport.Channel
	d       *Dispatcher
}

func newHarness(capacity int) *harness {
	h := &harness{
		filters: filter.NewTable(0),
		probes:  probedir.New(0),
		ch:      transport.New(capacity),
	}
	h.d = New(h.filters, h.probes, h.ch, WithClock(fixedClock(777)), WithProbeArgs(event.NumArgs))
	return h
}

func (h *harness) drain(t *testing.T) []event.Event {
	t.Helper()
	var out []event.Event
	for _, rec := range h.ch.Drain(nil) {
		e, err := event.Decode(rec[:])
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func syscallCtx(pid uint32, args ...uint64) *SyscallContext {
	ctx := &SyscallContext{
		Task: NewTask(pid, "worker"),
		User: &fakeMemory{strs: map[uint64]string{0x1000: "/bin/true", 0x2000: "/etc/hosts"}},
	}
	copy(ctx.Args[:], args)
	return ctx
}

func TestHandlers_EmitOneEventPerKind(t *testing.T) {
	sock := uint64(0xffff0000)
	kmem := &fakeMemory{raw: map[uint64][]byte{
		sock + SkcRcvSaddrOff: {127, 0, 0, 1},
		sock + SkcDaddrOff:    {10, 0, 0, 2},
		sock + SkcNumOff:      {0x40, 0x9c},
		sock + SkcDportOff:    {0x00, 0x50},
	}}

	tests := []struct {
		kind    event.Kind
		fire    func(d *Dispatcher) Outcome
		payload event.Payload
	}{
		{event.KindProcessExec, func(d *Dispatcher) Outcome { return d.HandleExecve(syscallCtx(10, 0x1000)) },
			event.Exec{Filename: "/bin/true"}},
		{event.KindFileOpen, func(d *Dispatcher) Outcome { return d.HandleOpenat(syscallCtx(10, 0, 0x2000, 0x42)) },
			event.Open{Filename: "/etc/hosts", Flags: 0x42}},
		{event.KindRead, func(d *Dispatcher) Outcome { return d.HandleRead(syscallCtx(10, 3, 0xbeef, 512)) },
			event.IO{Fd: 3, Count: 512}},
		{event.KindWrite, func(d *Dispatcher) Outcome { return d.HandleWrite(syscallCtx(10, 1, 0xbeef, 12)) },
			event.IO{Fd: 1, Count: 12}},
		{event.KindAccept, func(d *Dispatcher) Outcome { return d.HandleAccept(syscallCtx(10, 5, 0, 99)) },
			event.IO{Fd: 5}},
		{event.KindConnect, func(d *Dispatcher) Outcome { return d.HandleConnect(syscallCtx(10, 6, 0, 16)) },
			event.IO{Fd: 6}},
		{event.KindProcessClone, func(d *Dispatcher) Outcome { return d.HandleClone(syscallCtx(10)) }, nil},
		{event.KindProcessExit, func(d *Dispatcher) Outcome { return d.HandleExit(syscallCtx(10)) }, nil},
		{event.KindTcpConnect, func(d *Dispatcher) Outcome {
			return d.HandleTCPConnect(&ProbeContext{Task: NewTask(10, "worker"), Regs: Regs{Params: [NumParamRegs]uint64{sock}}, Kernel: kmem})
		}, event.TCP{Saddr: 0x0100007f, Daddr: 0x0200000a, Sport: 40000, Dport: 0x5000}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			h := newHarness(16)
			assert.Equal(t, Emitted, tt.fire(h.d))

			events := h.drain(t)
			require.Len(t, events, 1)
			e := events[0]
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, uint32(10), e.Pid)
			assert.Equal(t, uint32(10), e.Tgid)
			assert.Equal(t, uint64(777), e.Timestamp)
			assert.Equal(t, "worker", e.Comm)
			assert.Equal(t, tt.payload, e.Payload)
			assert.Equal(t, uint64(1), h.d.Stats().Emitted(tt.kind))
		})
	}
}

func TestHandlers_FilterSuppressesOnlyExcludedKind(t *testing.T) {
	h := newHarness(16)
	require.NoError(t, h.filters.Set(10, event.AllKinds&^event.KindRead.Bit()))

	assert.Equal(t, Filtered, h.d.HandleRead(syscallCtx(10, 3, 0, 1)))
	assert.Equal(t, Emitted, h.d.HandleWrite(syscallCtx(10, 3, 0, 1)))
	assert.Equal(t, Emitted, h.d.HandleRead(syscallCtx(11, 3, 0, 1)), "other processes keep the default")

	events := h.drain(t)
	require.Len(t, events, 2)
	assert.Equal(t, event.KindWrite, events[0].Kind)
	assert.Equal(t, uint32(11), events[1].Pid)
	assert.Equal(t, uint64(1), h.d.Stats().Outcome(Filtered))
}

func TestHandleFunctionProbe(t *testing.T) {
	probe := func(pid uint32, ip uint64) *ProbeContext {
		return &ProbeContext{
			Task: NewTask(pid, "app"),
			Regs: Regs{IP: ip, Params: [NumParamRegs]uint64{11, 22, 33, 44, 55, 66}},
		}
	}

	t.Run("no directory entry", func(t *testing.T) {
		h := newHarness(16)
		assert.Equal(t, DirectoryMiss, h.d.HandleFunctionProbe(probe(20, 0x401000)))
		assert.Empty(t, h.drain(t))
	})

	t.Run("entry for another process", func(t *testing.T) {
		h := newHarness(16)
		require.NoError(t, h.probes.Add(21, 0x401000, probedir.NewEntry("foo", 0)))
		assert.Equal(t, DirectoryMiss, h.d.HandleFunctionProbe(probe(20, 0x401000)))
		assert.Empty(t, h.drain(t))
	})

	t.Run("hit", func(t *testing.T) {
		h := newHarness(16)
		require.NoError(t, h.probes.Add(20, 0x401000, probedir.NewEntry("foo", 0)))
		assert.Equal(t, Emitted, h.d.HandleFunctionProbe(probe(20, 0x401000)))

		events := h.drain(t)
		require.Len(t, events, 1)
		assert.Equal(t, event.KindFunctionProbe, events[0].Kind)
		assert.Equal(t, event.Probe{Func: "foo", Args: [event.NumArgs]uint64{11, 22, 33, 44}}, events[0].Payload)
	})

	t.Run("long name", func(t *testing.T) {
		h := newHarness(16)
		name := strings.Repeat("n", 80)
		require.NoError(t, h.probes.Add(20, 0x10, probedir.NewEntry(name, 0)))
		h.d.HandleFunctionProbe(probe(20, 0x10))

		events := h.drain(t)
		require.Len(t, events, 1)
		assert.Equal(t, name[:63], events[0].Payload.(event.Probe).Func)
	})

	t.Run("directory checked before filter", func(t *testing.T) {
		h := newHarness(16)
		require.NoError(t, h.filters.Set(20, 0))
		assert.Equal(t, DirectoryMiss, h.d.HandleFunctionProbe(probe(20, 0x10)))

		require.NoError(t, h.probes.Add(20, 0x10, probedir.NewEntry("foo", 0)))
		assert.Equal(t, Filtered, h.d.HandleFunctionProbe(probe(20, 0x10)))
		assert.Empty(t, h.drain(t))
	})

	t.Run("platform without argument registers", func(t *testing.T) {
		h := newHarness(16)
		d := New(h.filters, h.probes, h.ch, WithClock(fixedClock(1)), WithProbeArgs(0))
		require.NoError(t, h.probes.Add(20, 0x10, probedir.NewEntry("foo", 0)))
		d.HandleFunctionProbe(probe(20, 0x10))

		events := h.drain(t)
		require.Len(t, events, 1)
		assert.Equal(t, [event.NumArgs]uint64{}, events[0].Payload.(event.Probe).Args)
	})

	t.Run("nil directory", func(t *testing.T) {
		ch := transport.New(4)
		d := New(nil, nil, ch)
		assert.Equal(t, DirectoryMiss, d.HandleFunctionProbe(probe(20, 0x10)))
	})
}

func TestHandlers_TransportFull(t *testing.T) {
	h := newHarness(2)
	assert.Equal(t, Emitted, h.d.HandleExecve(syscallCtx(1, 0x1000)))
	assert.Equal(t, Emitted, h.d.HandleExecve(syscallCtx(2, 0x1000)))
	assert.Equal(t, TransportFull, h.d.HandleExecve(syscallCtx(3, 0x1000)))

	events := h.drain(t)
	require.Len(t, events, 2)
	assert.Equal(t, uint32(1), events[0].Pid)
	assert.Equal(t, uint32(2), events[1].Pid)
	assert.Equal(t, event.Exec{Filename: "/bin/true"}, events[1].Payload)
	assert.Equal(t, uint64(1), h.d.Stats().Outcome(TransportFull))
}

func TestHandlers_PartialReads(t *testing.T) {
	h := newHarness(16)

	// unreadable filename pointer: the event is still emitted, field zeroed
	assert.Equal(t, Emitted, h.d.HandleOpenat(syscallCtx(1, 0, 0xdead, 7)))
	// socket fields that cannot be read stay zero
	assert.Equal(t, Emitted, h.d.HandleTCPConnect(&ProbeContext{
		Task:   NewTask(1, "x"),
		Regs:   Regs{Params: [NumParamRegs]uint64{0x1234}},
		Kernel: &fakeMemory{},
	}))
	// no user memory at all
	assert.Equal(t, Emitted, h.d.HandleExecve(&SyscallContext{Task: NewTask(1, "x"), Args: [6]uint64{0x1000}}))

	events := h.drain(t)
	require.Len(t, events, 3)
	assert.Equal(t, event.Open{Filename: "", Flags: 7}, events[0].Payload)
	assert.Equal(t, event.TCP{}, events[1].Payload)
	assert.Equal(t, event.Exec{}, events[2].Payload)
}

func TestHandlers_LongFilenameTruncated(t *testing.T) {
	h := newHarness(4)
	long := "/" + strings.Repeat("d", 300)
	ctx := syscallCtx(1, 0, 0x3000, 0)
	ctx.User = &fakeMemory{strs: map[uint64]string{0x3000: long}}
	h.d.HandleOpenat(ctx)

	recs := h.ch.Drain(nil)
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0][event.HeaderSize+event.FilenameLen-1])

	e, err := event.Decode(recs[0][:])
	require.NoError(t, err)
	assert.Equal(t, long[:255], e.Payload.(event.Open).Filename)
}

func TestHandlers_StaleSlotContentsCleared(t *testing.T) {
	h := newHarness(2)
	long := strings.Repeat("x", 200)
	ctx := syscallCtx(1, 0x3000)
	ctx.User = &fakeMemory{strs: map[uint64]string{0x3000: long}}
	h.d.HandleExecve(ctx)
	h.d.HandleExecve(ctx)
	h.drain(t)

	// reuse the same cells for shorter payloads
	h.d.HandleExecve(syscallCtx(1, 0x1000))
	events := h.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.Exec{Filename: "/bin/true"}, events[0].Payload)
}

func TestHandlers_ConcurrentProcesses(t *testing.T) {
	h := newHarness(4096)
	require.NoError(t, h.filters.Set(100, event.KindRead.Bit()))
	require.NoError(t, h.filters.Set(200, event.KindWrite.Bit()))

	var wg sync.WaitGroup
	for _, pid := range []uint32{100, 200} {
		wg.Add(1)
		go func(pid uint32) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ctx := syscallCtx(pid, uint64(pid), 0, uint64(i))
				h.d.HandleRead(ctx)
				h.d.HandleWrite(ctx)
			}
		}(pid)
	}
	wg.Wait()

	events := h.drain(t)
	require.Len(t, events, 1000)
	counts := map[uint32]uint64{}
	for _, e := range events {
		io := e.Payload.(event.IO)
		assert.Equal(t, int32(e.Pid), io.Fd)
		switch e.Pid {
		case 100:
			assert.Equal(t, event.KindRead, e.Kind)
		case 200:
			assert.Equal(t, event.KindWrite, e.Kind)
		default:
			t.Fatalf("unexpected pid %d", e.Pid)
		}
		// per-process order is preserved
		assert.Equal(t, counts[e.Pid], io.Count)
		counts[e.Pid]++
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "transport_full", TransportFull.String())
	assert.Equal(t, "unknown", Outcome(9).String())
	assert.Len(t, Outcomes(), 4)
}

func TestDefaultProbeArgs(t *testing.T) {
	assert.Equal(t, 4, defaultProbeArgs("amd64"))
	assert.Equal(t, 4, defaultProbeArgs("arm64"))
	assert.Zero(t, defaultProbeArgs("riscv64"))
}

func TestNewTask(t *testing.T) {
	task := NewTask(42, "a-very-long-command-name")
	assert.Equal(t, uint32(42), task.Pid())
	assert.Equal(t, uint32(42), task.Tgid())
	assert.Zero(t, task.Comm[event.CommLen-1])
}
