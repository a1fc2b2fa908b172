package fiber

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// maxRegistrySlots bounds the number of slots read from the registry. A
// larger count means the registry header is garbage.
const maxRegistrySlots = 1 << 24

// registryChunk is the number of slots read at once.
const registryChunk = 4096

// ErrCorruptedRegistry is returned when the registry header is not
// plausible.
var ErrCorruptedRegistry = errors.New("stack registry is corrupted")

// Registry is the header of the runtime's stack registry: a pointer to an
// array of slots and the number of slots.
type Registry struct {
	Base  uint64
	Count uint64
}

// ReadRegistry reads the registry header at addr.
func ReadRegistry(mem proc.MemoryReader, addr uint64) (Registry, error) {
	var buf [16]byte
	if err := proc.ReadFull(mem, buf[:], addr); err != nil {
		return Registry{}, fmt.Errorf("could not read stack registry: %w", err)
	}
	return Registry{
		Base:  binary.LittleEndian.Uint64(buf[:8]),
		Count: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// Candidates returns the non empty slots of the registry, in slot order.
// Each one is the address of a stack whose control block sits right below
// it.
func (r Registry) Candidates(mem proc.MemoryReader) ([]uint64, error) {
	if r.Count > maxRegistrySlots {
		return nil, fmt.Errorf("%w: %d slots", ErrCorruptedRegistry, r.Count)
	}
	if r.Count == 0 {
		return nil, nil
	}
	if r.Base == 0 {
		return nil, fmt.Errorf("%w: %d slots at address zero", ErrCorruptedRegistry, r.Count)
	}
	var candidates []uint64
	buf := make([]byte, 8*registryChunk)
	for done := uint64(0); done < r.Count; {
		n := r.Count - done
		if n > registryChunk {
			n = registryChunk
		}
		chunk := buf[:8*n]
		if err := proc.ReadFull(mem, chunk, r.Base+8*done); err != nil {
			return nil, fmt.Errorf("could not read stack registry slots: %w", err)
		}
		for i := uint64(0); i < n; i++ {
			if slot := binary.LittleEndian.Uint64(chunk[8*i:]); slot != 0 {
				candidates = append(candidates, slot)
			}
		}
		done += n
	}
	return candidates, nil
}
