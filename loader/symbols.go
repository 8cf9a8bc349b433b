package loader

import (
	"debug/elf"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrSymbolNotFound = errors.New("symbol not found")

const symbolCacheSize = 32

// symbolTable resolves function symbols of ELF binaries. Each binary is
// parsed once while it stays in the cache.
type symbolTable struct {
	cache *lru.Cache[string, map[string]uint64]
}

func newSymbolTable() *symbolTable {
	c, _ := lru.New[string, map[string]uint64](symbolCacheSize)
	return &symbolTable{cache: c}
}

func (s *symbolTable) address(binary, symbol string) (uint64, error) {
	syms, ok := s.cache.Get(binary)
	if !ok {
		var err error
		if syms, err = readSymbols(binary); err != nil {
			return 0, err
		}
		s.cache.Add(binary, syms)
	}

	addr, ok := syms[symbol]
	if !ok || addr == 0 {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, binary)
	}
	return addr, nil
}

func (s *symbolTable) forget(binary string) {
	s.cache.Remove(binary)
}

// readSymbols collects function symbols from the static and dynamic symbol
// tables of binary.
func readSymbols(binary string) (map[string]uint64, error) {
	f, err := elf.Open(binary)
	if err != nil {
		return nil, fmt.Errorf("open ELF %s: %w", binary, err)
	}
	defer f.Close()

	syms := make(map[string]uint64)
	var found bool
	for _, read := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		list, err := read()
		if err != nil {
			continue
		}
		found = true
		for _, sym := range list {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
				continue
			}
			if _, dup := syms[sym.Name]; !dup {
				syms[sym.Name] = sym.Value
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%s has no symbol table", binary)
	}
	return syms, nil
}
