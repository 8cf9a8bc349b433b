package outputer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/gotoolkits/lightrace/event"
	"github.com/gotoolkits/lightrace/filter"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	log "github.com/sirupsen/logrus"
)

type IOutputer interface {
	PrintHeader()
	PrintLine(EventPayload)
}

// NewOutputer returns the sink for format: "json", "logfile" or the
// default table. Events matched by exclude are never printed.
func NewOutputer(format string, exclude *filter.ExcludeFilter, logPath string) (IOutputer, error) {
	switch format {
	case "json":
		return newJsonOutput(exclude, os.Stdout), nil
	case "logfile":
		return newLogFileOutput(exclude, logPath)
	}
	return newTableOutput(exclude, os.Stdout), nil
}

// log file outputer
type logFileOutput struct {
	exclude *filter.ExcludeFilter
	logger  *log.Logger
}

func newLogFileOutput(exclude *filter.ExcludeFilter, logPath string) (IOutputer, error) {
	rl, err := rotatelogs.New(
		filepath.Join(logPath, "lightrace.log.%Y%m%d%H%M"),
		rotatelogs.WithRotationTime(time.Duration(60)*time.Minute),
		rotatelogs.WithRotationCount(8),
	)
	if err != nil {
		return nil, fmt.Errorf("create rotate log in %q: %w", logPath, err)
	}

	logger := log.New()
	logger.SetOutput(rl)
	logger.SetFormatter(&log.JSONFormatter{})

	return &logFileOutput{
		exclude: exclude,
		logger:  logger,
	}, nil
}

func (l logFileOutput) PrintHeader() {
	// no need
}

func (l logFileOutput) PrintLine(e EventPayload) {
	if l.exclude.ShouldExclude(e) {
		return
	}

	logF := log.Fields{
		"kind":      e.Kind,
		"pid":       strconv.Itoa(int(e.Pid)),
		"tgid":      strconv.Itoa(int(e.Tgid)),
		"ppid":      e.PPid,
		"comm":      e.Comm,
		"user":      e.User,
		"procPath":  e.ProcessPath,
		"procArgs":  e.ProcessArgs,
		"container": e.ContainerID,
		"details":   e.Details,
	}
	if e.Filename != "" {
		logF["filename"] = e.Filename
	}
	if e.Func != "" {
		logF["func"] = e.Func
	}
	if e.DestIP != nil {
		logF["dip"] = e.DestIP.String()
		logF["dport"] = strconv.Itoa(int(e.DestPort))
	}

	l.logger.WithFields(logF).WithTime(e.UTime).Info()
}

// console json outputer
type jsonOutput struct {
	exclude *filter.ExcludeFilter
	w       io.Writer
}

func newJsonOutput(exclude *filter.ExcludeFilter, w io.Writer) IOutputer {
	return &jsonOutput{exclude, w}
}

func (j jsonOutput) PrintHeader() {}

func (j jsonOutput) PrintLine(e EventPayload) {
	if j.exclude.ShouldExclude(e) {
		return
	}

	jsonEvent, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(j.w, "{\"ERROR\":%q}\n", err)
		return
	}
	fmt.Fprintln(j.w, string(jsonEvent))
}

// console table outputer
type tableOutput struct {
	exclude *filter.ExcludeFilter
	w       io.Writer
}

func newTableOutput(exclude *filter.ExcludeFilter, w io.Writer) IOutputer {
	return &tableOutput{exclude, w}
}

const tableLine = "%-9s %-11s %-8s %-16s %-13s %s\n"

func (t tableOutput) PrintHeader() {
	fmt.Fprintf(t.w, tableLine, "TIME", "KIND", "PID", "COMM", "CONTAINER", "DETAILS")
}

func (t tableOutput) PrintLine(e EventPayload) {
	if t.exclude.ShouldExclude(e) {
		return
	}

	container := e.ContainerID
	if len(container) > 12 {
		container = container[:12]
	}
	if container == "" {
		container = "-"
	}

	fmt.Fprintf(t.w, tableLine,
		e.UTime.Format("15:04:05"), e.Kind, strconv.Itoa(int(e.Pid)), e.Comm, container, e.Details)
}
