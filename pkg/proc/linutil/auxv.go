package linutil

import (
	"encoding/binary"
	"errors"
)

const (
	_AT_NULL   = 0
	_AT_PHDR   = 3
	_AT_PAGESZ = 6
	_AT_BASE   = 7
	_AT_ENTRY  = 9
)

// Auxv is a decoded ELF auxiliary vector.
type Auxv map[uint64]uint64

var errTruncatedAuxv = errors.New("truncated auxiliary vector")

// ParseAuxv decodes the elf auxiliary vector of a 64bit little endian
// process. Decoding stops at the AT_NULL entry.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func ParseAuxv(auxv []byte) (Auxv, error) {
	r := make(Auxv)
	for len(auxv) > 0 {
		if len(auxv) < 16 {
			return r, errTruncatedAuxv
		}
		tag := binary.LittleEndian.Uint64(auxv)
		val := binary.LittleEndian.Uint64(auxv[8:])
		auxv = auxv[16:]
		if tag == _AT_NULL {
			return r, nil
		}
		r[tag] = val
	}
	return r, nil
}

// EntryPoint returns the runtime entry point address, zero if unknown.
func (a Auxv) EntryPoint() uint64 {
	return a[_AT_ENTRY]
}

// PageSize returns the page size reported by the kernel, zero if unknown.
func (a Auxv) PageSize() uint64 {
	return a[_AT_PAGESZ]
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
func EntryPointFromAuxv(auxv []byte) uint64 {
	a, _ := ParseAuxv(auxv)
	return a.EntryPoint()
}
