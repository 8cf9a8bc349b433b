package dispatch

import (
	"github.com/gotoolkits/lightrace/event"
	"go.uber.org/atomic"
)

// Stats counts dispatch outcomes. All counters are monotonic.
type Stats struct {
	emitted       [event.NumKinds + 1]atomic.Uint64
	filtered      atomic.Uint64
	directoryMiss atomic.Uint64
	transportFull atomic.Uint64
}

// Emitted returns the number of committed events of kind.
func (s *Stats) Emitted(kind event.Kind) uint64 {
	if !kind.Valid() {
		return 0
	}
	return s.emitted[kind].Load()
}

func (s *Stats) Outcome(o Outcome) uint64 {
	switch o {
	case Emitted:
		var total uint64
		for _, k := range event.Kinds() {
			total += s.emitted[k].Load()
		}
		return total
	case Filtered:
		return s.filtered.Load()
	case DirectoryMiss:
		return s.directoryMiss.Load()
	case TransportFull:
		return s.transportFull.Load()
	}
	return 0
}
