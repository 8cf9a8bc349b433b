package loader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gotoolkits/lightrace/probedir"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var ErrNotAttached = errors.New("uprobe not attached")

// Attacher attaches the function probe program to symbol in binary. A pid
// of 0 traces every process.
type Attacher interface {
	Attach(binary, symbol string, pid int) (Detacher, error)
}

type Detacher interface {
	Close() error
}

type uprobeKey struct {
	binary string
	symbol string
	pid    int
}

func (k uprobeKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.binary, k.symbol, k.pid)
}

type uprobe struct {
	link Detacher
	addr uint64
}

// UprobeManager attaches function probes and keeps the probe directory in
// step with them.
type UprobeManager struct {
	mu       sync.Mutex
	attacher Attacher
	dir      probedir.Store
	symbols  *symbolTable
	probes   map[uprobeKey]uprobe
}

func NewUprobeManager(attacher Attacher, dir probedir.Store) *UprobeManager {
	return &UprobeManager{
		attacher: attacher,
		dir:      dir,
		symbols:  newSymbolTable(),
		probes:   make(map[uprobeKey]uprobe),
	}
}

// AddUprobe probes symbol of binary for pid (0 for every process) and
// registers its address in the directory under the symbol name.
func (m *UprobeManager) AddUprobe(pid int, binary, symbol string) error {
	key := uprobeKey{binary: binary, symbol: symbol, pid: pid}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.probes[key]; ok {
		return nil
	}

	addr, err := m.symbols.address(binary, symbol)
	if err != nil {
		return err
	}

	lk, err := m.attacher.Attach(binary, symbol, pid)
	if err != nil {
		return fmt.Errorf("attach uprobe %s: %w", key, err)
	}
	if err := m.dir.Add(uint32(pid), addr, probedir.NewEntry(symbol, 0)); err != nil {
		return multierr.Append(fmt.Errorf("register uprobe %s: %w", key, err), lk.Close())
	}

	m.probes[key] = uprobe{link: lk, addr: addr}
	log.WithFields(log.Fields{
		"binary": binary,
		"symbol": symbol,
		"pid":    pid,
		"addr":   fmt.Sprintf("0x%x", addr),
	}).Info("uprobe attached")
	return nil
}

// Remove detaches one probe and drops its directory entry.
func (m *UprobeManager) Remove(pid int, binary, symbol string) error {
	key := uprobeKey{binary: binary, symbol: symbol, pid: pid}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.probes[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, key)
	}
	delete(m.probes, key)
	err := m.detach(key, p)
	m.releaseBinary(binary)
	return err
}

// RemoveAll detaches every probe.
func (m *UprobeManager) RemoveAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for key, p := range m.probes {
		err = multierr.Append(err, m.detach(key, p))
		m.symbols.forget(key.binary)
	}
	m.probes = make(map[uprobeKey]uprobe)
	return err
}

func (m *UprobeManager) detach(key uprobeKey, p uprobe) error {
	err := multierr.Combine(
		p.link.Close(),
		m.dir.Remove(uint32(key.pid), p.addr),
	)
	log.WithField("uprobe", key.String()).Info("uprobe detached")
	return err
}

// releaseBinary drops the cached symbols of binary once no probe uses it.
func (m *UprobeManager) releaseBinary(binary string) {
	for key := range m.probes {
		if key.binary == binary {
			return
		}
	}
	m.symbols.forget(binary)
}

// Len is the number of attached probes.
func (m *UprobeManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}
