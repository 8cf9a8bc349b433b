package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gotoolkits/lightrace/conv"
)

var (
	ErrShortRecord     = errors.New("short event record")
	ErrPayloadMismatch = errors.New("payload does not match event kind")
)

const (
	CommLen     = 16
	FilenameLen = 256
	FuncNameLen = 64
	NumArgs     = 4

	HeaderSize  = 36
	PayloadSize = FilenameLen + 4
	RecordSize  = HeaderSize + PayloadSize
)

// Header field offsets.
const (
	offKind      = 0
	offPid       = 4
	offTgid      = 8
	offTimestamp = 12
	offComm      = 20
)

// Payload offsets, relative to the start of the payload area.
const (
	offFilename = 0
	offFlags    = FilenameLen
	offFd       = 0
	offCount    = 4
	offSaddr    = 0
	offDaddr    = 4
	offSport    = 8
	offDport    = 10
	offFunc     = 0
	offArgs     = FuncNameLen
)

// Record is one fixed-size wire event. Only the payload bytes that belong to
// the variant selected by the kind are meaningful.
type Record [RecordSize]byte

func (r *Record) payload() []byte { return r[HeaderSize:] }

// Reset zeroes the whole record.
func (r *Record) Reset() { clear(r[:]) }

func (r *Record) Kind() Kind { return Kind(binary.LittleEndian.Uint32(r[offKind:])) }

// SetHeader writes the common header except comm.
func (r *Record) SetHeader(kind Kind, pid, tgid uint32, ts uint64) {
	binary.LittleEndian.PutUint32(r[offKind:], uint32(kind))
	binary.LittleEndian.PutUint32(r[offPid:], pid)
	binary.LittleEndian.PutUint32(r[offTgid:], tgid)
	binary.LittleEndian.PutUint64(r[offTimestamp:], ts)
}

// Comm is the 16 byte process name field.
func (r *Record) Comm() []byte { return r[offComm : offComm+CommLen] }

// Filename is the path field shared by the exec and open variants.
func (r *Record) Filename() []byte {
	return r.payload()[offFilename : offFilename+FilenameLen]
}

func (r *Record) SetFlags(flags int32) {
	binary.LittleEndian.PutUint32(r.payload()[offFlags:], uint32(flags))
}

func (r *Record) SetIO(fd int32, count uint64) {
	p := r.payload()
	binary.LittleEndian.PutUint32(p[offFd:], uint32(fd))
	binary.LittleEndian.PutUint64(p[offCount:], count)
}

func (r *Record) SetTCP(saddr, daddr uint32, sport, dport uint16) {
	p := r.payload()
	binary.LittleEndian.PutUint32(p[offSaddr:], saddr)
	binary.LittleEndian.PutUint32(p[offDaddr:], daddr)
	binary.LittleEndian.PutUint16(p[offSport:], sport)
	binary.LittleEndian.PutUint16(p[offDport:], dport)
}

// Func is the function-probe name field.
func (r *Record) Func() []byte {
	return r.payload()[offFunc : offFunc+FuncNameLen]
}

func (r *Record) SetArgs(args *[NumArgs]uint64) {
	p := r.payload()
	binary.LittleEndian.PutUint64(p[offArgs:], args[0])
	binary.LittleEndian.PutUint64(p[offArgs+8:], args[1])
	binary.LittleEndian.PutUint64(p[offArgs+16:], args[2])
	binary.LittleEndian.PutUint64(p[offArgs+24:], args[3])
}

// Header is the part of every event that does not depend on the kind.
type Header struct {
	Kind      Kind
	Pid       uint32
	Tgid      uint32
	Timestamp uint64
	Comm      string
}

// Payload is one of Exec, Open, IO, TCP or Probe. Clone and exit events
// carry no payload.
type Payload interface {
	matches(k Kind) bool
	put(r *Record)
}

type Exec struct {
	Filename string
}

type Open struct {
	Filename string
	Flags    int32
}

// IO is the payload of read, write, accept and connect. Count is 0 when the
// syscall has no byte count.
type IO struct {
	Fd    int32
	Count uint64
}

// TCP addresses and ports are kept exactly as read from the socket.
type TCP struct {
	Saddr uint32
	Daddr uint32
	Sport uint16
	Dport uint16
}

type Probe struct {
	Func string
	Args [NumArgs]uint64
}

func (Exec) matches(k Kind) bool  { return k == KindProcessExec }
func (Open) matches(k Kind) bool  { return k == KindFileOpen }
func (TCP) matches(k Kind) bool   { return k == KindTcpConnect }
func (Probe) matches(k Kind) bool { return k == KindFunctionProbe }
func (IO) matches(k Kind) bool {
	switch k {
	case KindRead, KindWrite, KindAccept, KindConnect:
		return true
	}
	return false
}

func (p Exec) put(r *Record) { conv.PutCString(r.Filename(), p.Filename) }
func (p Open) put(r *Record) {
	conv.PutCString(r.Filename(), p.Filename)
	r.SetFlags(p.Flags)
}
func (p IO) put(r *Record)  { r.SetIO(p.Fd, p.Count) }
func (p TCP) put(r *Record) { r.SetTCP(p.Saddr, p.Daddr, p.Sport, p.Dport) }
func (p Probe) put(r *Record) {
	conv.PutCString(r.Func(), p.Func)
	r.SetArgs(&p.Args)
}

// Event is the decoded form of a Record.
type Event struct {
	Header
	Payload Payload
}

// Encode builds the wire record for e. The payload must be the variant
// selected by e.Kind (nil for clone and exit).
func Encode(e Event) (Record, error) {
	var r Record
	if !e.Kind.Valid() {
		return r, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	switch e.Kind {
	case KindProcessClone, KindProcessExit:
		if e.Payload != nil {
			return r, fmt.Errorf("%w: %s carries no payload", ErrPayloadMismatch, e.Kind)
		}
	default:
		if e.Payload == nil || !e.Payload.matches(e.Kind) {
			return r, fmt.Errorf("%w: %s with %T", ErrPayloadMismatch, e.Kind, e.Payload)
		}
	}
	r.SetHeader(e.Kind, e.Pid, e.Tgid, e.Timestamp)
	conv.PutCString(r.Comm(), e.Comm)
	if e.Payload != nil {
		e.Payload.put(&r)
	}
	return r, nil
}

// Decode parses a raw record. The kind is checked before any payload byte is
// interpreted; records with an unknown kind are rejected.
func Decode(raw []byte) (Event, error) {
	if len(raw) < RecordSize {
		return Event{}, fmt.Errorf("%w: got=%d want>=%d", ErrShortRecord, len(raw), RecordSize)
	}
	var r Record
	copy(r[:], raw)

	e := Event{Header: Header{
		Kind:      r.Kind(),
		Pid:       binary.LittleEndian.Uint32(r[offPid:]),
		Tgid:      binary.LittleEndian.Uint32(r[offTgid:]),
		Timestamp: binary.LittleEndian.Uint64(r[offTimestamp:]),
		Comm:      conv.CString(r.Comm()),
	}}

	p := r.payload()
	switch e.Kind {
	case KindProcessExec:
		e.Payload = Exec{Filename: conv.CString(r.Filename())}
	case KindFileOpen:
		e.Payload = Open{
			Filename: conv.CString(r.Filename()),
			Flags:    int32(binary.LittleEndian.Uint32(p[offFlags:])),
		}
	case KindRead, KindWrite, KindAccept, KindConnect:
		e.Payload = IO{
			Fd:    int32(binary.LittleEndian.Uint32(p[offFd:])),
			Count: binary.LittleEndian.Uint64(p[offCount:]),
		}
	case KindProcessClone, KindProcessExit:
	case KindTcpConnect:
		e.Payload = TCP{
			Saddr: binary.LittleEndian.Uint32(p[offSaddr:]),
			Daddr: binary.LittleEndian.Uint32(p[offDaddr:]),
			Sport: binary.LittleEndian.Uint16(p[offSport:]),
			Dport: binary.LittleEndian.Uint16(p[offDport:]),
		}
	case KindFunctionProbe:
		pr := Probe{Func: conv.CString(r.Func())}
		for i := 0; i < NumArgs; i++ {
			pr.Args[i] = binary.LittleEndian.Uint64(p[offArgs+8*i:])
		}
		e.Payload = pr
	default:
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	return e, nil
}
