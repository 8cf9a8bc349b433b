// Package probedir is the allow-list of dynamic function probes: it maps a
// (process, instrumentation address) pair to the name reported for hits at
// that address.
package probedir

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gotoolkits/lightrace/conv"
	"github.com/gotoolkits/lightrace/event"
	"go.uber.org/atomic"
)

var (
	ErrDirectoryFull = errors.New("probe directory full")
	ErrEmptyName     = errors.New("probe name is empty")
)

// DefaultCapacity matches the kernel uprobe_configs map.
const DefaultCapacity = 64

// Key is the kernel map key for (pid, addr): the pid in the high 32 bits
// or'ed with the address, the same expression the probe program evaluates.
func Key(pid uint32, addr uint64) uint64 {
	return uint64(pid)<<32 | addr
}

// Entry is what a hit at a registered address resolves to. Name is NUL
// terminated within its fixed buffer.
type Entry struct {
	Name  [event.FuncNameLen]byte
	Flags uint32
}

// NewEntry truncates name to fit the fixed buffer.
func NewEntry(name string, flags uint32) Entry {
	var e Entry
	conv.PutCString(e.Name[:], name)
	e.Flags = flags
	return e
}

func (e *Entry) String() string {
	return conv.CString(e.Name[:])
}

// Resolver is the read side used by the function-probe handler.
type Resolver interface {
	Resolve(pid uint32, addr uint64) (*Entry, bool)
}

// Store is the administrative side, driven by probe attach and detach.
type Store interface {
	Add(pid uint32, addr uint64, entry Entry) error
	Remove(pid uint32, addr uint64) error
}

type location struct {
	pid  uint32
	addr uint64
}

// Directory is a fixed capacity, copy-on-write probe directory. Resolve is a
// single atomic pointer load plus a map lookup and never blocks; a lookup
// racing with Add or Remove observes either the old or the new table.
type Directory struct {
	mu       sync.Mutex
	table    *atomic.Pointer[map[location]*Entry]
	capacity int
}

func New(capacity int) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	empty := make(map[location]*Entry)
	return &Directory{
		table:    atomic.NewPointer(&empty),
		capacity: capacity,
	}
}

// Resolve returns the entry registered for (pid, addr). Entries are never
// mutated after publication, so the returned pointer stays valid after a
// concurrent Remove.
func (d *Directory) Resolve(pid uint32, addr uint64) (*Entry, bool) {
	e, ok := (*d.table.Load())[location{pid, addr}]
	return e, ok
}

// Add registers or replaces the entry for (pid, addr). An entry whose name is
// empty would never produce an event and is rejected.
func (d *Directory) Add(pid uint32, addr uint64, entry Entry) error {
	if entry.Name[0] == 0 {
		return fmt.Errorf("%w: pid %d addr 0x%x", ErrEmptyName, pid, addr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur := *d.table.Load()
	loc := location{pid, addr}
	if _, exists := cur[loc]; !exists && len(cur) >= d.capacity {
		return fmt.Errorf("%w: %d entries", ErrDirectoryFull, d.capacity)
	}

	next := make(map[location]*Entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	e := entry
	next[loc] = &e
	d.table.Store(&next)
	return nil
}

// Remove drops the entry for (pid, addr). Removing a missing entry is a
// no-op.
func (d *Directory) Remove(pid uint32, addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := *d.table.Load()
	loc := location{pid, addr}
	if _, exists := cur[loc]; !exists {
		return nil
	}

	next := make(map[location]*Entry, len(cur))
	for k, v := range cur {
		if k != loc {
			next[k] = v
		}
	}
	d.table.Store(&next)
	return nil
}

func (d *Directory) Len() int {
	return len(*d.table.Load())
}
