package test

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// FakeTarget is an in-memory proc.Target. Memory is made of mapped
// regions; reads outside of them fail with *proc.UnreadableError.
type FakeTarget struct {
	regions  []region
	threads  []proc.ThreadContext
	recorded bool
	info     *FakeDebugInfo
	detached bool

	// Reads counts the calls to ReadMemory.
	Reads int
}

type region struct {
	start uint64
	data  []byte
	file  string
}

// NewFakeTarget returns an empty live target.
func NewFakeTarget() *FakeTarget {
	return &FakeTarget{info: NewFakeDebugInfo()}
}

// SetRecorded makes the target behave like a core file.
func (t *FakeTarget) SetRecorded(recorded bool) {
	t.recorded = recorded
}

// Map maps size zeroed bytes at start.
func (t *FakeTarget) Map(start, size uint64, file string) {
	t.regions = append(t.regions, region{start: start, data: make([]byte, size), file: file})
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].start < t.regions[j].start })
}

// Unmap removes the region starting at start.
func (t *FakeTarget) Unmap(start uint64) {
	for i := range t.regions {
		if t.regions[i].start == start {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return
		}
	}
}

func (t *FakeTarget) find(addr uint64) *region {
	for i := range t.regions {
		r := &t.regions[i]
		if addr >= r.start && addr-r.start < uint64(len(r.data)) {
			return r
		}
	}
	return nil
}

// Put writes data at addr, which must be mapped.
func (t *FakeTarget) Put(addr uint64, data []byte) {
	r := t.find(addr)
	if r == nil || addr-r.start+uint64(len(data)) > uint64(len(r.data)) {
		panic(fmt.Sprintf("write of %d bytes at %#x outside of mapped memory", len(data), addr))
	}
	copy(r.data[addr-r.start:], data)
}

// PutUint64 writes a little endian 64bit word at addr.
func (t *FakeTarget) PutUint64(addr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	t.Put(addr, buf[:])
}

// PutUint32 writes a little endian 32bit word at addr.
func (t *FakeTarget) PutUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	t.Put(addr, buf[:])
}

// AddThread adds an OS thread with the given context.
func (t *FakeTarget) AddThread(id int, ctx proc.Context) {
	t.threads = append(t.threads, proc.ThreadContext{ID: id, Context: ctx})
}

// ReadMemory implements proc.MemoryReader. Reads may span adjacent
// regions.
func (t *FakeTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	t.Reads++
	n := 0
	for n < len(buf) {
		r := t.find(addr + uint64(n))
		if r == nil {
			return n, &proc.UnreadableError{Addr: addr, Len: len(buf)}
		}
		n += copy(buf[n:], r.data[addr+uint64(n)-r.start:])
	}
	return n, nil
}

// Segments implements proc.Target.
func (t *FakeTarget) Segments() ([]proc.Segment, error) {
	segs := make([]proc.Segment, 0, len(t.regions))
	for _, r := range t.regions {
		segs = append(segs, proc.Segment{Start: r.start, End: r.start + uint64(len(r.data)), File: r.file})
	}
	return segs, nil
}

// ThreadContexts implements proc.Target.
func (t *FakeTarget) ThreadContexts() ([]proc.ThreadContext, error) {
	if t.recorded {
		return nil, nil
	}
	return t.threads, nil
}

// Threads implements proc.Target.
func (t *FakeTarget) Threads() ([]proc.ThreadContext, error) {
	return t.threads, nil
}

// Recorded implements proc.Target.
func (t *FakeTarget) Recorded() bool {
	return t.recorded
}

// DebugInfo implements proc.Target.
func (t *FakeTarget) DebugInfo() proc.DebugInfo {
	return t.info
}

// Info returns the fake debug information of the target.
func (t *FakeTarget) Info() *FakeDebugInfo {
	return t.info
}

// Detach implements proc.Target.
func (t *FakeTarget) Detach() error {
	if t.detached {
		return proc.ErrProcessDetached
	}
	t.detached = true
	return nil
}

// Detached returns true once Detach has been called.
func (t *FakeTarget) Detached() bool {
	return t.detached
}

// FakeDebugInfo is a table driven proc.DebugInfo.
type FakeDebugInfo struct {
	// Offsets maps "Struct.field" to the offset of field.
	Offsets map[string]int64
	// Symbols maps global variable names to addresses.
	Symbols map[string]uint64
	// Functions maps function entry points to names; a function extends
	// to the next entry point.
	Functions map[uint64]string

	// OffsetLookups counts the calls to FieldOffset.
	OffsetLookups int
}

// NewFakeDebugInfo returns an empty FakeDebugInfo.
func NewFakeDebugInfo() *FakeDebugInfo {
	return &FakeDebugInfo{
		Offsets:   make(map[string]int64),
		Symbols:   make(map[string]uint64),
		Functions: make(map[uint64]string),
	}
}

// FieldOffset implements proc.TypeInfo.
func (d *FakeDebugInfo) FieldOffset(structName, fieldName string) (int64, error) {
	d.OffsetLookups++
	off, ok := d.Offsets[structName+"."+fieldName]
	if !ok {
		return 0, fmt.Errorf("type %s has no field %s: %w", structName, fieldName, proc.ErrNoSymbol)
	}
	return off, nil
}

// LookupSym implements proc.DebugInfo.
func (d *FakeDebugInfo) LookupSym(name string) (uint64, error) {
	addr, ok := d.Symbols[name]
	if !ok {
		return 0, fmt.Errorf("could not find symbol %s: %w", name, proc.ErrNoSymbol)
	}
	return addr, nil
}

// FunctionName implements proc.Symbolizer.
func (d *FakeDebugInfo) FunctionName(pc uint64) string {
	var best uint64
	name := ""
	for entry, fn := range d.Functions {
		if entry <= pc && entry >= best {
			best, name = entry, fn
		}
	}
	return name
}

// Describe implements proc.Symbolizer.
func (d *FakeDebugInfo) Describe(pc uint64) string {
	if pc == proc.InvalidPC {
		return proc.InvalidPCDescription
	}
	fn := d.FunctionName(pc)
	if fn == "" {
		fn = fmt.Sprintf("No symbol matches 0x%x.", pc)
	}
	return fmt.Sprintf("0x%016x %s [(Unknown)]", pc, fn)
}
