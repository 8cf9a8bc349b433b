// Package transport moves committed event records from many producers to a
// single consumer through a fixed size ring. Producers never block: when the
// ring is full a reservation fails and the event is lost.
package transport

import (
	"sync"

	"github.com/gotoolkits/lightrace/event"
	"go.uber.org/atomic"
)

// DefaultCapacity is the number of records held by a channel when none is
// configured.
const DefaultCapacity = 4096

// maxReserveAttempts bounds the reservation retry loop under producer
// contention. Exhausting it counts as a full channel.
const maxReserveAttempts = 64

type cell struct {
	// seq == pos:     free for the producer reserving pos
	// seq == pos+1:   committed, ready for the consumer
	// seq == pos+cap: released, free for the next lap
	seq atomic.Uint64
	rec event.Record
}

// Channel is a bounded multi-producer, single-consumer ring of records.
type Channel struct {
	cells []cell
	mask  uint64

	head atomic.Uint64 // next position handed to a producer

	drainMu sync.Mutex
	tail    uint64 // next position read by the consumer, guarded by drainMu

	committed atomic.Uint64
	dropped   atomic.Uint64

	wake chan struct{}
}

// New returns a channel holding capacity records, rounded up to a power of
// two.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	size := 2
	for size < capacity {
		size <<= 1
	}

	c := &Channel{
		cells: make([]cell, size),
		mask:  uint64(size - 1),
		wake:  make(chan struct{}, 1),
	}
	for i := range c.cells {
		c.cells[i].seq.Store(uint64(i))
	}
	return c
}

// Slot is a reserved, not yet committed record. The producer owns the record
// exclusively until Commit.
type Slot struct {
	ch   *Channel
	cell *cell
	pos  uint64
}

// Record returns the reserved record. Its previous contents are unspecified.
func (s Slot) Record() *event.Record {
	return &s.cell.rec
}

// Commit publishes the record to the consumer. A slot must be committed
// exactly once.
func (s Slot) Commit() {
	s.cell.seq.Store(s.pos + 1)
	s.ch.committed.Inc()
	select {
	case s.ch.wake <- struct{}{}:
	default:
	}
}

// TryReserve claims the next free slot. It returns false, and counts a drop,
// when the channel is full.
func (c *Channel) TryReserve() (Slot, bool) {
	pos := c.head.Load()
	for i := 0; i < maxReserveAttempts; i++ {
		cl := &c.cells[pos&c.mask]
		seq := cl.seq.Load()
		switch diff := int64(seq - pos); {
		case diff == 0:
			if c.head.CompareAndSwap(pos, pos+1) {
				return Slot{ch: c, cell: cl, pos: pos}, true
			}
			pos = c.head.Load()
		case diff < 0:
			c.dropped.Inc()
			return Slot{}, false
		default:
			pos = c.head.Load()
		}
	}
	c.dropped.Inc()
	return Slot{}, false
}

// Drain appends every record committed since the last drain to dst, in
// reservation order, and frees their slots. A reserved but uncommitted slot
// stops the drain at its position; records behind it are returned by a later
// drain.
func (c *Channel) Drain(dst []event.Record) []event.Record {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	for {
		cl := &c.cells[c.tail&c.mask]
		if cl.seq.Load() != c.tail+1 {
			return dst
		}
		dst = append(dst, cl.rec)
		cl.seq.Store(c.tail + c.mask + 1)
		c.tail++
	}
}

// Ready is signalled after a commit. It carries no count; consumers drain
// until empty after each wake-up.
func (c *Channel) Ready() <-chan struct{} {
	return c.wake
}

func (c *Channel) Cap() int {
	return len(c.cells)
}

// Pending is the number of reserved or committed records not yet drained.
func (c *Channel) Pending() int {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return int(c.head.Load() - c.tail)
}

// Committed is the total number of records published.
func (c *Channel) Committed() uint64 {
	return c.committed.Load()
}

// Dropped is the total number of failed reservations.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}
