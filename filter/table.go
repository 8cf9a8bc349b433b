package filter

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotoolkits/lightrace/event"
	"go.uber.org/atomic"
)

var (
	ErrTableFull = errors.New("filter table full")
	ErrNoKinds   = errors.New("no event kind named")
)

// DefaultMaxEntries matches the size of the kernel pid_filters map.
const DefaultMaxEntries = 1024

// Reader answers whether a kind is enabled for a process.
type Reader interface {
	IsEnabled(pid uint32, kind event.Kind) bool
}

// Store is the administrative side of a filter table. Bit (kind-1) of mask
// enables kind for pid.
type Store interface {
	Set(pid uint32, mask uint32) error
	Delete(pid uint32) error
}

// Table is an in-memory filter table. Reads never lock: each entry is a
// single atomic word, so a concurrent reader sees either the old or the new
// mask. Writers are serialised among themselves.
type Table struct {
	entries    sync.Map // uint32 -> *atomic.Uint32
	mu         sync.Mutex
	size       int
	maxEntries int
}

func NewTable(maxEntries int) *Table {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Table{maxEntries: maxEntries}
}

// IsEnabled reports whether kind is enabled for pid. A pid without an entry
// has every kind enabled.
func (t *Table) IsEnabled(pid uint32, kind event.Kind) bool {
	v, ok := t.entries.Load(pid)
	if !ok {
		return true
	}
	return v.(*atomic.Uint32).Load()&kind.Bit() != 0
}

func (t *Table) Set(pid uint32, mask uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.entries.Load(pid); ok {
		v.(*atomic.Uint32).Store(mask)
		return nil
	}
	if t.size >= t.maxEntries {
		return fmt.Errorf("%w: pid %d (%d entries)", ErrTableFull, pid, t.maxEntries)
	}
	t.entries.Store(pid, atomic.NewUint32(mask))
	t.size++
	return nil
}

// Delete removes the entry for pid, restoring the default-allow behaviour.
// Deleting a missing entry is not an error.
func (t *Table) Delete(pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, loaded := t.entries.LoadAndDelete(pid); loaded {
		t.size--
	}
	return nil
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Mask builds a filter mask enabling exactly kinds.
func Mask(kinds ...event.Kind) uint32 {
	var mask uint32
	for _, k := range kinds {
		mask |= k.Bit()
	}
	return mask
}

// ParseKinds turns a comma separated list of kind names ("execve,open") into
// a filter mask. "all" and the empty string enable every kind; a list that
// names no kind at all, such as ",", is an error.
func ParseKinds(list string) (uint32, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return event.AllKinds, nil
	}
	var mask uint32
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if name == "all" {
			return event.AllKinds, nil
		}
		k, err := event.ParseKind(name)
		if err != nil {
			return 0, err
		}
		mask |= k.Bit()
	}
	if mask == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoKinds, list)
	}
	return mask, nil
}
