package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/loader"
	"github.com/gotoolkits/lightrace/procinfo"
	"github.com/gotoolkits/lightrace/procscan"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type UprobeConfig struct {
	Binary string `yaml:"binary"`
	Symbol string `yaml:"symbol"`
	Pid    int    `yaml:"pid"`
}

type Config struct {
	Backend      string         `yaml:"backend"`
	Object       string         `yaml:"object"`
	Format       string         `yaml:"format"`
	LogPath      string         `yaml:"log_path"`
	LogLevel     string         `yaml:"log_level"`
	Exclude      string         `yaml:"exclude"`
	Pid          uint32         `yaml:"pid"`
	Events       string         `yaml:"events"`
	Sampling     int            `yaml:"sampling"`
	RateLimit    int            `yaml:"rate_limit"`
	ProcRoot     string         `yaml:"proc_root"`
	ScanInterval time.Duration  `yaml:"scan_interval"`
	MetricsAddr  string         `yaml:"metrics_addr"`
	ExportAddr   string         `yaml:"export_addr"`
	Uprobes      []UprobeConfig `yaml:"uprobes"`
}

var errBadUprobe = errors.New("uprobe must be binary:symbol[:pid]")

// parseUprobe parses the -uprobe flag value binary:symbol[:pid].
func parseUprobe(value string) (UprobeConfig, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return UprobeConfig{}, fmt.Errorf("%w: %q", errBadUprobe, value)
	}
	u := UprobeConfig{Binary: parts[0], Symbol: parts[1]}
	if len(parts) == 3 {
		pid, err := strconv.Atoi(parts[2])
		if err != nil || pid < 0 {
			return UprobeConfig{}, fmt.Errorf("%w: %q", errBadUprobe, value)
		}
		u.Pid = pid
	}
	return u, nil
}

// parseExclude parses the exclude expression, warning when a non-empty
// expression yields no usable condition.
func parseExclude(expr string) *filter.ExcludeFilter {
	ef := filter.ParseExcludeParam(expr)
	if ef.Empty() && strings.TrimSpace(expr) != "" {
		log.WithField("exclude", expr).Warn("Exclude expression has no valid condition, nothing is excluded")
	}
	return ef
}

func loadConfig(configPath string, config *Config) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// initConfigs parses console args, then lets the config file, when present,
// override them.
func initConfigs(args []string) (Config, error) {
	var (
		config     Config
		configPath string
	)

	fs := flag.NewFlagSet("lightrace", flag.ContinueOnError)
	fs.StringVar(&config.Backend, "backend", "ebpf", "capture backend: ebpf or procfs")
	fs.StringVar(&config.Object, "object", loader.DefaultObjectPath, "compiled BPF object path")
	fs.StringVar(&config.Format, "f", "table", "table, json or logfile output format")
	fs.StringVar(&config.LogPath, "log_path", "/data/lightrace/logs", "specify logfile output path")
	fs.StringVar(&config.LogLevel, "log_level", "info", "log level")
	fs.StringVar(&config.Exclude, "exclude", "", "exclude output filter")
	fs.Func("pid", "trace only this pid", func(v string) error {
		pid, err := strconv.ParseUint(v, 10, 32)
		config.Pid = uint32(pid)
		return err
	})
	fs.StringVar(&config.Events, "events", "all", "comma-separated event kinds")
	fs.IntVar(&config.Sampling, "sampling", 1, "keep every Nth event")
	fs.IntVar(&config.RateLimit, "rate_limit", 0, "max events per second, 0 for unlimited")
	fs.StringVar(&config.ProcRoot, "proc_root", procinfo.DefaultProcRoot, "procfs mount point")
	fs.DurationVar(&config.ScanInterval, "scan_interval", procscan.DefaultInterval, "procfs backend scan interval")
	fs.StringVar(&config.MetricsAddr, "metrics_addr", "", "serve prometheus metrics on this address")
	fs.StringVar(&config.ExportAddr, "export_addr", "", "stream events over gRPC on this address")
	fs.Func("uprobe", "attach a function probe, binary:symbol[:pid] (repeatable)", func(v string) error {
		u, err := parseUprobe(v)
		if err != nil {
			return err
		}
		config.Uprobes = append(config.Uprobes, u)
		return nil
	})
	fs.StringVar(&configPath, "c", "config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Load config from file if exists
	if _, err := os.Stat(configPath); err == nil {
		if err := loadConfig(configPath, &config); err != nil {
			log.WithError(err).Warn("Failed to load config file, using flag values")
		}
	}

	if config.Backend != "ebpf" && config.Backend != "procfs" {
		return config, fmt.Errorf("unknown backend %q", config.Backend)
	}
	if config.Sampling < 1 {
		config.Sampling = 1
	}
	return config, nil
}
