// Package exporter streams rendered events to remote subscribers. Each
// subscriber gets its own bounded queue and its own pid and kind filters; a
// slow subscriber loses events instead of stalling the pipeline.
package exporter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotoolkits/lightrace/event"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// DefaultQueueSize is the per subscriber queue length.
const DefaultQueueSize = 10000

// Request selects what a subscriber receives. Empty lists match everything.
type Request struct {
	Pids  []uint32 `json:"pids,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// EventStream is the sending side of one subscription.
type EventStream interface {
	Send(*event.EventPayload) error
	Context() context.Context
}

type listener struct {
	events chan *event.EventPayload
	pids   map[uint32]struct{}
	kinds  map[string]struct{}
}

func newListener(req *Request, queueSize int) (*listener, error) {
	l := &listener{events: make(chan *event.EventPayload, queueSize)}
	if len(req.Pids) > 0 {
		l.pids = make(map[uint32]struct{}, len(req.Pids))
		for _, pid := range req.Pids {
			l.pids[pid] = struct{}{}
		}
	}
	if len(req.Kinds) > 0 {
		l.kinds = make(map[string]struct{}, len(req.Kinds))
		for _, name := range req.Kinds {
			k, err := event.ParseKind(name)
			if err != nil {
				return nil, err
			}
			l.kinds[k.String()] = struct{}{}
		}
	}
	return l, nil
}

func (l *listener) match(p *event.EventPayload) bool {
	if l.pids != nil {
		if _, ok := l.pids[p.Pid]; !ok {
			return false
		}
	}
	if l.kinds != nil {
		if _, ok := l.kinds[p.Kind]; !ok {
			return false
		}
	}
	return true
}

// Exporter fans rendered events out to its subscribers.
type Exporter struct {
	ctx       context.Context
	queueSize int

	mu        sync.RWMutex
	listeners map[*listener]struct{}

	overflowed atomic.Uint64
}

// NewExporter returns an exporter whose subscriptions end when ctx is done.
func NewExporter(ctx context.Context, queueSize int) *Exporter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Exporter{
		ctx:       ctx,
		queueSize: queueSize,
		listeners: make(map[*listener]struct{}),
	}
}

// Notify hands p to every subscriber whose filters match. It never blocks.
func (e *Exporter) Notify(p event.EventPayload) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for l := range e.listeners {
		if !l.match(&p) {
			continue
		}
		select {
		case l.events <- &p:
		default:
			e.overflowed.Inc()
		}
	}
}

// Overflowed returns the number of events dropped on full subscriber queues.
func (e *Exporter) Overflowed() uint64 {
	return e.overflowed.Load()
}

// Subscribers returns the number of active subscriptions.
func (e *Exporter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

func (e *Exporter) add(l *listener) {
	e.mu.Lock()
	e.listeners[l] = struct{}{}
	e.mu.Unlock()
}

func (e *Exporter) remove(l *listener) {
	e.mu.Lock()
	delete(e.listeners, l)
	e.mu.Unlock()
}

// StreamEvents sends matching events to stream until the stream or the
// exporter is done.
func (e *Exporter) StreamEvents(req *Request, stream EventStream) error {
	log.WithFields(log.Fields{
		"pids":  req.Pids,
		"kinds": req.Kinds,
	}).Debug("Received a StreamEvents request")

	l, err := newListener(req, e.queueSize)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	e.add(l)
	defer e.remove(l)

	for {
		select {
		case p := <-l.events:
			if err := stream.Send(p); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-e.ctx.Done():
			return e.ctx.Err()
		}
	}
}
