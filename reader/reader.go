// Package reader pulls raw records out of a transport, decodes them and
// hands them to the processing pipeline.
package reader

import (
	"context"
	"errors"
	"sync"

	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/transport"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrClosed is returned by a Source after Close.
var ErrClosed = errors.New("source closed")

// Source yields raw event records. Next blocks until a record is available
// or the source is closed. The returned slice is only valid until the next
// call.
type Source interface {
	Next() ([]byte, error)
	Close() error
}

// Reader decodes records from a Source.
type Reader struct {
	src       Source
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

func New(src Source) *Reader {
	return &Reader{src: src}
}

// Run forwards decoded events to out until ctx is cancelled or the source is
// closed. Events that do not fit into out are dropped, the reader never
// stalls on a slow consumer.
func (r *Reader) Run(ctx context.Context, out chan<- event.Event) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := r.src.Close(); err != nil {
				log.WithError(err).Warn("closing event source")
			}
		case <-done:
		}
	}()

	for {
		raw, err := r.src.Next()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			log.WithError(err).Warn("reading event record")
			continue
		}

		e, err := event.Decode(raw)
		if err != nil {
			r.malformed.Inc()
			log.WithError(err).WithField("size", len(raw)).Debug("skipping malformed record")
			continue
		}

		select {
		case out <- e:
		default:
			if r.dropped.Inc()%1024 == 1 {
				log.WithField("dropped", r.dropped.Load()).Warn("events channel full, dropping event")
			}
		}
	}
}

func (r *Reader) Malformed() uint64 { return r.malformed.Load() }
func (r *Reader) Dropped() uint64   { return r.dropped.Load() }

// ChannelSource drains an in-process transport channel.
type ChannelSource struct {
	ch      *transport.Channel
	pending []event.Record
	next    int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewChannelSource(ch *transport.Channel) *ChannelSource {
	return &ChannelSource{ch: ch, closed: make(chan struct{})}
}

func (s *ChannelSource) Next() ([]byte, error) {
	for {
		if s.next < len(s.pending) {
			rec := s.pending[s.next][:]
			s.next++
			return rec, nil
		}
		s.pending = s.ch.Drain(s.pending[:0])
		s.next = 0
		if len(s.pending) > 0 {
			continue
		}

		select {
		case <-s.closed:
			return nil, ErrClosed
		case <-s.ch.Ready():
		}
	}
}

func (s *ChannelSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
