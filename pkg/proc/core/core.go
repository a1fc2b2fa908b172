package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// A splicedMemory represents a memory space formed from multiple regions,
// each of which may override previously regions. For example, in the following
// core, the program text was loaded at 0x400000:
// Start               End                 Page Offset
// 0x0000000000400000  0x000000000044f000  0x0000000000000000
// but then it's partially overwritten with an RW mapping whose data is stored
// in the core file:
// Type           Offset             VirtAddr           PhysAddr
//
//	FileSiz            MemSiz              Flags  Align
//
// LOAD           0x0000000000004000 0x000000000049a000 0x0000000000000000
//
//	0x0000000000002000 0x0000000000002000  RW     1000
//
// This can be represented in a SplicedMemory by adding the original region,
// then putting the RW mapping on top of it.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset uint64
	length uint64
	reader proc.MemoryReader
}

// Add adds a new region to the SplicedMemory, which may override existing regions.
func (r *splicedMemory) Add(reader proc.MemoryReader, off, length uint64) {
	if length == 0 {
		return
	}
	end := off + length - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + entry.length - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = off - entry.offset
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New reader overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, reader})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= overlap
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, off - entry.offset, entry.reader})
			add(readerEntry{off, length, reader})
			add(readerEntry{end + 1, entryEnd - end, entry.reader})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, reader})
	}
	r.readers = newReaders
}

// ReadMemory implements MemoryReader.ReadMemory. Reads that reach an
// unmapped area fail with *proc.UnreadableError.
func (r *splicedMemory) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	start, size := addr, len(buf)
	for _, entry := range r.readers {
		if entry.offset+entry.length <= addr {
			continue
		}
		if entry.offset > addr {
			break
		}

		// Don't go past the region.
		pb := buf
		if addr+uint64(len(buf)) > entry.offset+entry.length {
			pb = pb[:entry.offset+entry.length-addr]
		}
		pn, err := entry.reader.ReadMemory(pb, addr)
		n += pn
		if err != nil && !(err == io.EOF && pn == len(pb)) {
			return n, &proc.UnreadableError{Addr: start, Len: size, Err: err}
		}
		if pn != len(pb) {
			return n, &proc.UnreadableError{Addr: start, Len: size, Err: ErrShortRead}
		}
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			// Done, don't bother scanning the rest.
			return n, nil
		}
	}
	return n, &proc.UnreadableError{Addr: start, Len: size, Err: fmt.Errorf("address %#x is not mapped", addr)}
}

// offsetReaderAt wraps a ReaderAt into a MemoryReader, subtracting a fixed
// offset from the address. This is useful to represent a mapping in an address
// space. For example, if program text is mapped in at 0x400000, an
// OffsetReaderAt with offset 0x400000 can be wrapped around file.Open(program)
// to return the results of a read in that part of the address space.
type offsetReaderAt struct {
	reader io.ReaderAt
	offset uint64
}

// ReadMemory will read the memory at addr-offset.
func (r *offsetReaderAt) ReadMemory(buf []byte, addr uint64) (n int, err error) {
	return r.reader.ReadAt(buf, int64(addr-r.offset))
}

var (
	// ErrShortRead is returned on a short read.
	ErrShortRead = errors.New("short read")

	// ErrUnrecognizedFormat is returned when the core file is not recognized as
	// any of the supported formats.
	ErrUnrecognizedFormat = errors.New("unrecognized core format")
)

// Process is a core file, together with the executable that produced it.
type Process struct {
	mem      proc.MemoryReader
	threads  []proc.ThreadContext
	segments []proc.Segment
	pid      int

	entryPoint uint64

	bi      *proc.BinaryInfo
	closers []io.Closer
}

var _ proc.Target = &Process{}

// OpenCore will open the core file and return a Process struct.
func OpenCore(corePath, exePath string) (*Process, error) {
	p, err := readLinuxCore(corePath, exePath)
	if err != nil {
		return nil, err
	}
	bi, err := proc.LoadBinaryInfo(exePath, p.entryPoint)
	if err != nil {
		p.Detach()
		return nil, err
	}
	bi.SetSegments(p.segments)
	p.bi = bi
	p.closers = append(p.closers, bi)
	return p, nil
}

// ReadMemory reads the memory of the process at the time of the dump.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return p.mem.ReadMemory(buf, addr)
}

// Pid returns the process ID of the dumped process.
func (p *Process) Pid() int {
	return p.pid
}

// EntryPoint will return the entry point address for this core file.
func (p *Process) EntryPoint() uint64 {
	return p.entryPoint
}

// Segments returns the load segments of the core file.
func (p *Process) Segments() ([]proc.Segment, error) {
	return p.segments, nil
}

// ThreadContexts always returns an empty list: no thread of a core file
// is running a fiber that has not been saved already.
func (p *Process) ThreadContexts() ([]proc.ThreadContext, error) {
	return nil, nil
}

// Threads returns the threads recorded in the core file.
func (p *Process) Threads() ([]proc.ThreadContext, error) {
	return p.threads, nil
}

// Recorded returns whether this is a live or recorded process. Always returns true for core files.
func (p *Process) Recorded() bool { return true }

// DebugInfo returns the debug information of the executable.
func (p *Process) DebugInfo() proc.DebugInfo {
	return p.bi
}

// Detach closes the core file and the executable.
func (p *Process) Detach() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closers = nil
	return firstErr
}
