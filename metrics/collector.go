package metrics

import (
	"github.com/gotoolkits/lightrace/dispatch"
	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeCounter is implemented by *dispatch.Stats.
type OutcomeCounter interface {
	Outcome(dispatch.Outcome) uint64
}

// RingStats is implemented by *transport.Channel.
type RingStats interface {
	Dropped() uint64
	Pending() int
}

// ReaderStats is implemented by *reader.Reader.
type ReaderStats interface {
	Malformed() uint64
	Dropped() uint64
}

// ProcessorStats is implemented by *processor.Processor.
type ProcessorStats interface {
	Sampled() uint64
	RateLimited() uint64
}

// ExporterStats is implemented by *exporter.Exporter.
type ExporterStats interface {
	Overflowed() uint64
	Subscribers() int
}

var (
	outcomesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "dispatch", "outcomes_total"),
		"The number of dispatches by outcome.",
		[]string{"outcome"}, nil)
	transportDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transport", "dropped_total"),
		"The number of records dropped because the transport was full.",
		nil, nil)
	transportPendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "transport", "pending"),
		"The number of records waiting in the transport.",
		nil, nil)
	readerMalformedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "reader", "malformed_total"),
		"The number of records that failed to decode.",
		nil, nil)
	readerDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "reader", "dropped_total"),
		"The number of decoded events dropped because the consumer was slow.",
		nil, nil)
	processorDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "processor", "dropped_total"),
		"The number of events dropped by the processor, by reason.",
		[]string{"reason"}, nil)
	exporterOverflowDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exporter", "overflowed_total"),
		"The number of events dropped on full subscriber queues.",
		nil, nil)
	exporterSubscribersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exporter", "subscribers"),
		"The number of active event stream subscribers.",
		nil, nil)
)

// Collector reads pipeline counters at scrape time. Unset sources are not
// reported.
type Collector struct {
	outcomes  OutcomeCounter
	ring      RingStats
	reader    ReaderStats
	processor ProcessorStats
	exporter  ExporterStats
}

type CollectorOption func(*Collector)

func WithOutcomes(o OutcomeCounter) CollectorOption {
	return func(c *Collector) { c.outcomes = o }
}

func WithRing(r RingStats) CollectorOption {
	return func(c *Collector) { c.ring = r }
}

func WithReader(r ReaderStats) CollectorOption {
	return func(c *Collector) { c.reader = r }
}

func WithProcessor(p ProcessorStats) CollectorOption {
	return func(c *Collector) { c.processor = p }
}

func WithExporter(e ExporterStats) CollectorOption {
	return func(c *Collector) { c.exporter = e }
}

func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- outcomesDesc
	ch <- transportDroppedDesc
	ch <- transportPendingDesc
	ch <- readerMalformedDesc
	ch <- readerDroppedDesc
	ch <- processorDroppedDesc
	ch <- exporterOverflowDesc
	ch <- exporterSubscribersDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.outcomes != nil {
		for _, o := range dispatch.Outcomes() {
			ch <- prometheus.MustNewConstMetric(outcomesDesc, prometheus.CounterValue,
				float64(c.outcomes.Outcome(o)), o.String())
		}
	}
	if c.ring != nil {
		ch <- prometheus.MustNewConstMetric(transportDroppedDesc, prometheus.CounterValue, float64(c.ring.Dropped()))
		ch <- prometheus.MustNewConstMetric(transportPendingDesc, prometheus.GaugeValue, float64(c.ring.Pending()))
	}
	if c.reader != nil {
		ch <- prometheus.MustNewConstMetric(readerMalformedDesc, prometheus.CounterValue, float64(c.reader.Malformed()))
		ch <- prometheus.MustNewConstMetric(readerDroppedDesc, prometheus.CounterValue, float64(c.reader.Dropped()))
	}
	if c.processor != nil {
		ch <- prometheus.MustNewConstMetric(processorDroppedDesc, prometheus.CounterValue,
			float64(c.processor.Sampled()), "sampled")
		ch <- prometheus.MustNewConstMetric(processorDroppedDesc, prometheus.CounterValue,
			float64(c.processor.RateLimited()), "rate_limited")
	}
	if c.exporter != nil {
		ch <- prometheus.MustNewConstMetric(exporterOverflowDesc, prometheus.CounterValue, float64(c.exporter.Overflowed()))
		ch <- prometheus.MustNewConstMetric(exporterSubscribersDesc, prometheus.GaugeValue, float64(c.exporter.Subscribers()))
	}
}
