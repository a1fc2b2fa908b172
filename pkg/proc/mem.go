package proc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// UnreadableError is returned when a range of the target's address space
// can not be read. It is recoverable: callers skip the address and go on.
type UnreadableError struct {
	Addr uint64
	Len  int
	Err  error
}

func (e *UnreadableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("could not read %d bytes at %#x", e.Len, e.Addr)
	}
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Len, e.Addr, e.Err)
}

func (e *UnreadableError) Unwrap() error {
	return e.Err
}

// IsUnreadable returns true if err, or any error it wraps, is an
// UnreadableError.
func IsUnreadable(err error) bool {
	var uerr *UnreadableError
	return errors.As(err, &uerr)
}

// ReadFull fills buf with the memory at addr. Short reads and backend
// failures are both reported as *UnreadableError.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		if IsUnreadable(err) {
			return err
		}
		return &UnreadableError{Addr: addr, Len: len(buf), Err: err}
	}
	if n < len(buf) {
		return &UnreadableError{Addr: addr, Len: len(buf), Err: fmt.Errorf("short read (%d bytes)", n)}
	}
	return nil
}

// ReadUint64 reads a little endian 64bit word at addr.
func ReadUint64(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := ReadFull(mem, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && size <= len(m.cache) && addr-m.cacheAddr <= uint64(len(m.cache)-size)
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadMemory(data, addr)
}

// CacheMemory returns a MemoryReader that serves reads inside
// [addr, addr+size) from a single snapshot taken now. If the range can not
// be read mem is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	if err := ReadFull(mem, cache, addr); err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}
