//go:build linux

package loader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/gotoolkits/lightrace/reader"
)

// RingbufSource reads raw records from the kernel ring buffer.
type RingbufSource struct {
	rd  *ringbuf.Reader
	rec ringbuf.Record
}

var _ reader.Source = (*RingbufSource)(nil)

func NewRingbufSource(m *ebpf.Map) (*RingbufSource, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("ringbuf reader: %w", err)
	}
	return &RingbufSource{rd: rd}, nil
}

// Next blocks for the next record. The returned slice is reused by the
// following call.
func (s *RingbufSource) Next() ([]byte, error) {
	if err := s.rd.ReadInto(&s.rec); err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, reader.ErrClosed
		}
		return nil, err
	}
	return s.rec.RawSample, nil
}

func (s *RingbufSource) Close() error {
	return s.rd.Close()
}
