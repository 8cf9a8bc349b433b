//go:build linux

// Package loader loads the kernel object, attaches its programs and exposes
// the shared maps behind the filter, probe directory and reader interfaces.
package loader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

type Loader struct {
	coll  *ebpf.Collection
	links []link.Link
}

// New loads the object at path and attaches every static hook it provides.
// Programs missing from the object are skipped.
func New(path string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			log.Debugf("verifier log: %+v", verr)
		}
		return nil, fmt.Errorf("new collection: %w", err)
	}

	l := &Loader{coll: coll}
	for _, h := range hooks {
		prog := coll.Programs[h.program]
		if prog == nil {
			log.WithField("program", h.program).Warn("program not found in object, skipping")
			continue
		}
		lk, err := attach(h, prog)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("link %s: %w", h, err), l.Close())
		}
		log.WithField("hook", h.String()).Debug("attached")
		l.links = append(l.links, lk)
	}
	return l, nil
}

func attach(h hook, prog *ebpf.Program) (link.Link, error) {
	if h.typ == hookKprobe {
		return link.Kprobe(h.name, prog, nil)
	}
	return link.Tracepoint(h.group, h.name, prog, nil)
}

func (l *Loader) lookupMap(name string) (*ebpf.Map, error) {
	m := l.coll.Maps[name]
	if m == nil {
		return nil, fmt.Errorf("%s map not found", name)
	}
	return m, nil
}

// Filters returns the kernel filter table.
func (l *Loader) Filters() (*FilterMap, error) {
	m, err := l.lookupMap(PidFiltersMap)
	if err != nil {
		return nil, err
	}
	return &FilterMap{m: m}, nil
}

// Directory returns the kernel probe directory.
func (l *Loader) Directory() (*DirectoryMap, error) {
	m, err := l.lookupMap(UprobeMap)
	if err != nil {
		return nil, err
	}
	return &DirectoryMap{m: m}, nil
}

// Source opens a reader on the event ring buffer.
func (l *Loader) Source() (*RingbufSource, error) {
	m, err := l.lookupMap(EventsMap)
	if err != nil {
		return nil, err
	}
	return NewRingbufSource(m)
}

// Uprobes returns a manager attaching the generic function probe program.
func (l *Loader) Uprobes() (*UprobeManager, error) {
	prog := l.coll.Programs[UprobeProgram]
	if prog == nil {
		return nil, fmt.Errorf("%s program not found", UprobeProgram)
	}
	dir, err := l.Directory()
	if err != nil {
		return nil, err
	}
	return NewUprobeManager(&programAttacher{prog: prog}, dir), nil
}

// Close detaches every hook and releases the collection.
func (l *Loader) Close() error {
	var err error
	for i := len(l.links) - 1; i >= 0; i-- {
		err = multierr.Append(err, l.links[i].Close())
	}
	l.links = nil
	if l.coll != nil {
		l.coll.Close()
		l.coll = nil
	}
	return err
}
