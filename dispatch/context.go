package dispatch

import "github.com/gotoolkits/lightrace/event"

// Task is the acting task as the capture mechanism reports it.
type Task struct {
	// PidTgid is the combined id word: process id in the upper 32 bits,
	// thread id in the lower 32 bits.
	PidTgid uint64
	Comm    [event.CommLen]byte
}

func (t *Task) Pid() uint32  { return uint32(t.PidTgid >> 32) }
func (t *Task) Tgid() uint32 { return uint32(t.PidTgid) }

// NewTask builds a Task for a single-threaded process.
func NewTask(pid uint32, comm string) Task {
	t := Task{PidTgid: uint64(pid)<<32 | uint64(pid)}
	copy(t.Comm[:event.CommLen-1], comm)
	return t
}

// Memory is a best-effort view of another address space. Reads may fail.
type Memory interface {
	// ReadString copies a NUL terminated string at addr into dst, at most
	// len(dst)-1 bytes, and returns the number of bytes copied.
	ReadString(dst []byte, addr uint64) (int, error)
	// Read fills dst from addr.
	Read(dst []byte, addr uint64) error
}

// NumParamRegs is the number of calling-convention argument slots a trigger
// exposes.
const NumParamRegs = 6

// Regs are the register slots a probe trigger exposes.
type Regs struct {
	IP     uint64
	Params [NumParamRegs]uint64
}

// SyscallContext is the trigger of a syscall-entry tracepoint.
type SyscallContext struct {
	Task Task
	Args [6]uint64
	User Memory
}

// ProbeContext is the trigger of a kernel or user function entry probe.
type ProbeContext struct {
	Task   Task
	Regs   Regs
	Kernel Memory
}
