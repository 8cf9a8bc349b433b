// Package processor turns decoded events into rendered payloads: it drops
// the tracer's own events, applies the consumer-side pid filter, sampling and
// rate limit, and enriches what is left with process information.
package processor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gotoolkits/lightrace/conv"
	"github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/ktime"
	"github.com/gotoolkits/lightrace/procinfo"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

type Options struct {
	// FilterPID keeps only events of this pid when non-zero.
	FilterPID uint32
	// Kinds keeps only the kinds whose bit is set when non-zero.
	Kinds uint32
	// Sampling keeps every Nth event when greater than one.
	Sampling int
	// RateLimit caps the rendered events per second; 0 disables it.
	RateLimit int
	// SelfPID is dropped so the tracer does not trace its own output. It
	// defaults to the current process.
	SelfPID uint32
}

// Enricher provides process information for rendered events.
type Enricher interface {
	Lookup(pid uint32) *procinfo.ProcessInfo
	Forget(pid uint32)
}

type Processor struct {
	opts     Options
	enricher Enricher
	limiter  *rate.Limiter

	count       uint64
	sampled     atomic.Uint64
	rateLimited atomic.Uint64
}

func New(opts Options, enricher Enricher) *Processor {
	if opts.SelfPID == 0 {
		opts.SelfPID = uint32(os.Getpid())
	}
	p := &Processor{opts: opts, enricher: enricher}
	if opts.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}
	return p
}

// Start processes events from in until it is closed or ctx is done.
func (p *Processor) Start(ctx context.Context, in <-chan event.Event, out chan<- event.EventPayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			payload, keep := p.Process(e)
			if !keep {
				continue
			}
			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Process applies the consumer-side filters to e and renders it. The second
// result is false when the event is dropped.
func (p *Processor) Process(e event.Event) (event.EventPayload, bool) {
	if e.Pid == p.opts.SelfPID {
		return event.EventPayload{}, false
	}
	if p.opts.FilterPID != 0 && e.Pid != p.opts.FilterPID {
		return event.EventPayload{}, false
	}
	if p.opts.Kinds != 0 && p.opts.Kinds&e.Kind.Bit() == 0 {
		return event.EventPayload{}, false
	}
	p.count++
	if p.opts.Sampling > 1 && p.count%uint64(p.opts.Sampling) != 0 {
		p.sampled.Inc()
		return event.EventPayload{}, false
	}
	if p.limiter != nil && !p.limiter.Allow() {
		if p.rateLimited.Inc()%1000 == 1 {
			log.WithField("dropped", p.rateLimited.Load()).Warn("rate limit reached, dropping events")
		}
		return event.EventPayload{}, false
	}

	payload := Render(e)
	if p.enricher != nil {
		p.enrich(e, &payload)
	}
	return payload, true
}

func (p *Processor) enrich(e event.Event, payload *event.EventPayload) {
	if e.Kind == event.KindProcessExec {
		p.enricher.Forget(e.Pid)
	}
	info := p.enricher.Lookup(e.Pid)
	payload.PPid = info.PPid
	payload.ProcessPath = info.Path
	payload.ProcessArgs = sanitize(info.Args)
	payload.User = info.User
	payload.ContainerID = info.ContainerID
	if e.Kind == event.KindProcessExit {
		p.enricher.Forget(e.Pid)
	}
}

func (p *Processor) Sampled() uint64     { return p.sampled.Load() }
func (p *Processor) RateLimited() uint64 { return p.rateLimited.Load() }

// Render converts e into its consumer representation without any process
// enrichment.
func Render(e event.Event) event.EventPayload {
	payload := event.EventPayload{
		UTime: decodeTime(e.Timestamp),
		Kind:  e.Kind.String(),
		Pid:   e.Pid,
		Tgid:  e.Tgid,
		Comm:  sanitize(e.Comm),
	}

	switch v := e.Payload.(type) {
	case event.Exec:
		payload.Filename = sanitize(v.Filename)
		payload.Details = fmt.Sprintf("File: %s", payload.Filename)
	case event.Open:
		payload.Filename = sanitize(v.Filename)
		payload.Details = fmt.Sprintf("File: %s, Flags: %d", payload.Filename, v.Flags)
	case event.IO:
		payload.Details = fmt.Sprintf("FD: %d, Count: %d", v.Fd, v.Count)
	case event.TCP:
		payload.SrcIP = conv.ToIP4(v.Saddr)
		payload.SrcPort = v.Sport
		payload.DestIP = conv.ToIP4(v.Daddr)
		payload.DestPort = conv.Ntohs(v.Dport)
		payload.Details = fmt.Sprintf("%s:%d -> %s:%d", payload.SrcIP, payload.SrcPort, payload.DestIP, payload.DestPort)
	case event.Probe:
		payload.Func = sanitize(v.Func)
		payload.Details = fmt.Sprintf("Function: %s, Args: %d, %d, %d, %d",
			payload.Func, v.Args[0], v.Args[1], v.Args[2], v.Args[3])
	case nil:
		switch e.Kind {
		case event.KindProcessClone:
			payload.Details = "Process cloned"
		case event.KindProcessExit:
			payload.Details = "Process exited"
		}
	}
	return payload
}

func decodeTime(ts uint64) time.Time {
	if ts == 0 {
		return time.Now()
	}
	t, err := ktime.DecodeKtime(ts)
	if err != nil {
		log.WithError(err).WithField("ktime", ts).Debug("failed to decode ktime")
		return time.Now()
	}
	return t
}

func sanitize(s string) string {
	return strings.ToValidUTF8(s, "")
}
