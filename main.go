//go:build linux
// +build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotoolkits/lightrace/dispatch"
	. "github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/exporter"
	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/loader"
	"github.com/gotoolkits/lightrace/metrics"
	. "github.com/gotoolkits/lightrace/outputer"
	"github.com/gotoolkits/lightrace/probedir"
	"github.com/gotoolkits/lightrace/processor"
	"github.com/gotoolkits/lightrace/procinfo"
	"github.com/gotoolkits/lightrace/procscan"
	"github.com/gotoolkits/lightrace/reader"
	"github.com/gotoolkits/lightrace/transport"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const eventQueueSize = 1024

var (
	outputer IOutputer
	config   Config
)

// backend is a running capture mechanism.
type backend struct {
	source     reader.Source
	collectors []metrics.CollectorOption
	close      func() error
}

func main() {
	var err error
	if config, err = initConfigs(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
	setupLogging()

	mask, err := filter.ParseKinds(config.Events)
	if err != nil {
		log.WithError(err).Fatal("Invalid events")
	}

	outputer, err = NewOutputer(config.Format, parseExclude(config.Exclude), config.LogPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to create outputer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b *backend
	if config.Backend == "procfs" {
		b, err = setupProcScan(ctx, mask)
	} else {
		b, err = setupBpfWorkers(mask)
	}
	if err != nil {
		log.WithError(err).Fatal("Failed to start capture")
	}
	defer func() {
		if err := b.close(); err != nil {
			log.WithError(err).Warn("Closing capture backend")
		}
	}()

	run(ctx, b, mask)
}

func setupLogging() {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		log.WithError(err).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// run pumps events from the backend to the outputer until ctx is done.
func run(ctx context.Context, b *backend, mask uint32) {
	rd := reader.New(b.source)
	proc := processor.New(processor.Options{
		FilterPID: config.Pid,
		Kinds:     mask,
		Sampling:  config.Sampling,
		RateLimit: config.RateLimit,
	}, procinfo.NewResolver(config.ProcRoot))
	collectors := append(b.collectors, metrics.WithReader(rd), metrics.WithProcessor(proc))

	var exp *exporter.Exporter
	if config.ExportAddr != "" {
		exp = exporter.NewExporter(ctx, exporter.DefaultQueueSize)
		collectors = append(collectors, metrics.WithExporter(exp))
		go func() {
			if err := exporter.Serve(ctx, config.ExportAddr, exp); err != nil {
				log.WithError(err).Error("gRPC exporter failed")
			}
		}()
	}

	if config.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := multierr.Combine(
			metrics.InitMetrics(reg),
			reg.Register(metrics.NewCollector(collectors...)),
		); err != nil {
			log.WithError(err).Fatal("Failed to register metrics")
		}
		go func() {
			if err := metrics.Serve(ctx, config.MetricsAddr, reg); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	events := make(chan Event, eventQueueSize)
	payloads := make(chan EventPayload, eventQueueSize)

	go func() {
		if err := rd.Run(ctx, events); err != nil {
			log.WithError(err).Error("Event reader stopped")
		}
		close(events)
	}()
	go proc.Start(ctx, events, payloads)

	outputer.PrintHeader()
	for {
		select {
		case <-ctx.Done():
			log.Info("Received signal, exiting program..")
			return
		case p := <-payloads:
			metrics.EventsTotal.WithLabelValues(p.Kind).Inc()
			outputer.PrintLine(p)
			if exp != nil {
				exp.Notify(p)
			}
		}
	}
}

// setupBpfWorkers loads the kernel object, applies the pid filter and
// attaches the configured function probes.
func setupBpfWorkers(mask uint32) (*backend, error) {
	if err := Runtime_Verifier(loader.Tracepoints(), loader.Kprobes()); err != nil {
		return nil, err
	}

	ld, err := loader.New(config.Object)
	if err != nil {
		return nil, err
	}
	b := &backend{close: ld.Close}

	if config.Pid != 0 {
		filters, err := ld.Filters()
		if err != nil {
			return nil, multierr.Append(err, ld.Close())
		}
		if err := filters.Set(config.Pid, mask); err != nil {
			return nil, multierr.Append(err, ld.Close())
		}
	}

	if len(config.Uprobes) > 0 {
		um, err := ld.Uprobes()
		if err != nil {
			return nil, multierr.Append(err, ld.Close())
		}
		for _, u := range config.Uprobes {
			if err := um.AddUprobe(u.Pid, u.Binary, u.Symbol); err != nil {
				log.WithError(err).WithField("binary", u.Binary).Warn("Failed to attach uprobe")
			}
		}
		b.close = func() error {
			return multierr.Combine(um.RemoveAll(), ld.Close())
		}
	}

	if b.source, err = ld.Source(); err != nil {
		return nil, multierr.Append(err, b.close())
	}
	return b, nil
}

// setupProcScan runs the dispatcher in process, fed by procfs polling.
func setupProcScan(ctx context.Context, mask uint32) (*backend, error) {
	table := filter.NewTable(filter.DefaultMaxEntries)
	if config.Pid != 0 {
		if err := table.Set(config.Pid, mask); err != nil {
			return nil, err
		}
	}

	ring := transport.New(transport.DefaultCapacity)
	d := dispatch.New(table, probedir.New(probedir.DefaultCapacity), ring)
	scanner := procscan.New(config.ProcRoot, config.ScanInterval, d)
	if err := scanner.Scan(); err != nil {
		return nil, err
	}
	go func() {
		if err := scanner.Run(ctx); err != nil {
			log.WithError(err).Error("Process scanner stopped")
		}
	}()
	if len(config.Uprobes) > 0 {
		log.Warn("Function probes need the ebpf backend, ignoring uprobes")
	}

	return &backend{
		source: reader.NewChannelSource(ring),
		collectors: []metrics.CollectorOption{
			metrics.WithOutcomes(d.Stats()),
			metrics.WithRing(ring),
		},
		close: func() error { return nil },
	}, nil
}
