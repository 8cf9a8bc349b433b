package reader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commit(t *testing.T, ch *transport.Channel, e event.Event) {
	t.Helper()
	rec, err := event.Encode(e)
	require.NoError(t, err)
	slot, ok := ch.TryReserve()
	require.True(t, ok)
	*slot.Record() = rec
	slot.Commit()
}

func exitEvent(pid uint32) event.Event {
	return event.Event{Header: event.Header{Kind: event.KindProcessExit, Pid: pid, Comm: "sh"}}
}

func TestReader_ChannelSource(t *testing.T) {
	ch := transport.New(16)
	r := New(NewChannelSource(ch))
	out := make(chan event.Event, 16)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = r.Run(ctx, out)
	}()

	for pid := uint32(1); pid <= 3; pid++ {
		commit(t, ch, exitEvent(pid))
	}
	for pid := uint32(1); pid <= 3; pid++ {
		select {
		case e := <-out:
			assert.Equal(t, pid, e.Pid)
			assert.Equal(t, event.KindProcessExit, e.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}

// sliceSource replays fixed records, then reports closed.
type sliceSource struct {
	recs [][]byte
	errs []error
	i    int
}

func (s *sliceSource) Next() ([]byte, error) {
	if s.i >= len(s.recs) {
		return nil, ErrClosed
	}
	i := s.i
	s.i++
	if s.errs != nil && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return s.recs[i], nil
}

func (s *sliceSource) Close() error { return nil }

func TestReader_SkipsBadRecords(t *testing.T) {
	good, err := event.Encode(exitEvent(7))
	require.NoError(t, err)
	unknown := good
	unknown[0] = 0xff

	src := &sliceSource{
		recs: [][]byte{good[:10], unknown[:], nil, good[:]},
		errs: []error{nil, nil, errors.New("transient"), nil},
	}
	r := New(src)
	out := make(chan event.Event, 4)
	require.NoError(t, r.Run(context.Background(), out))

	require.Len(t, out, 1)
	assert.Equal(t, uint32(7), (<-out).Pid)
	assert.Equal(t, uint64(2), r.Malformed())
}

func TestReader_DropsWhenConsumerIsSlow(t *testing.T) {
	rec, err := event.Encode(exitEvent(1))
	require.NoError(t, err)
	src := &sliceSource{recs: [][]byte{rec[:], rec[:], rec[:]}}

	r := New(src)
	out := make(chan event.Event, 1)
	require.NoError(t, r.Run(context.Background(), out))
	assert.Len(t, out, 1)
	assert.Equal(t, uint64(2), r.Dropped())
}

func TestChannelSource_Close(t *testing.T) {
	src := NewChannelSource(transport.New(4))
	errc := make(chan error, 1)
	go func() {
		_, err := src.Next()
		errc <- err
	}()

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}
