package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	TRACING_DIRS = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}
	KALLSYMS     = "/proc/kallsyms"
)

// Runtime_Verifier checks that every tracepoint ("group/name") and kernel
// function the loader attaches to exists on this host.
func Runtime_Verifier(tracepoints, kprobes []string) error {
	root, err := tracingRoot()
	if err != nil {
		return err
	}

	for _, tp := range tracepoints {
		path := filepath.Join(root, "events", tp)
		if ok, err := PathExists(path); !ok {
			return fmt.Errorf("tracepoint %s unavailable: %w", tp, err)
		}
	}

	for _, fn := range kprobes {
		ok, err := isFunctionAvailable(fn)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("kernel function %s not found in %s", fn, KALLSYMS)
		}
	}

	log.WithField("tracefs", root).Debug("runtime verified")
	return nil
}

func tracingRoot() (string, error) {
	var lastErr error
	for _, dir := range TRACING_DIRS {
		ok, err := PathExists(filepath.Join(dir, "events"))
		if ok {
			return dir, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("tracefs not mounted: %w", lastErr)
}

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	return false, err
}

func isFunctionAvailable(functionName string) (bool, error) {
	file, err := os.Open(KALLSYMS)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", KALLSYMS, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[2] == functionName {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("error reading %s: %w", KALLSYMS, err)
	}

	return false, nil
}
