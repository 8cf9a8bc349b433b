//go:build linux

package loader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/gotoolkits/lightrace/filter"
	"github.com/gotoolkits/lightrace/probedir"
	"golang.org/x/sys/unix"
)

// FilterMap is the kernel pid_filters map.
type FilterMap struct {
	m *ebpf.Map
}

var _ filter.Store = (*FilterMap)(nil)

func (f *FilterMap) Set(pid uint32, mask uint32) error {
	if err := f.m.Put(pid, mask); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("set pid %d: %w", pid, filter.ErrTableFull)
		}
		return fmt.Errorf("set pid %d: %w", pid, err)
	}
	return nil
}

func (f *FilterMap) Delete(pid uint32) error {
	if err := f.m.Delete(pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete pid %d: %w", pid, err)
	}
	return nil
}

// DirectoryMap is the kernel uprobe_configs map, keyed by probedir.Key.
type DirectoryMap struct {
	m *ebpf.Map
}

var _ probedir.Store = (*DirectoryMap)(nil)

func (d *DirectoryMap) Add(pid uint32, addr uint64, entry probedir.Entry) error {
	if entry.Name[0] == 0 {
		return probedir.ErrEmptyName
	}
	if err := d.m.Put(probedir.Key(pid, addr), entry.Name); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("add probe %s: %w", entry.String(), probedir.ErrDirectoryFull)
		}
		return fmt.Errorf("add probe %s: %w", entry.String(), err)
	}
	return nil
}

func (d *DirectoryMap) Remove(pid uint32, addr uint64) error {
	if err := d.m.Delete(probedir.Key(pid, addr)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("remove probe: %w", err)
	}
	return nil
}
