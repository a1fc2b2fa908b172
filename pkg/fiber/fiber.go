package fiber

import (
	"encoding/binary"

	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// Fiber is a live fiber of the target. Fibers are decoded from the target
// memory on every request and never cached.
type Fiber struct {
	ID    uint64
	State State
	// StackTop is the address of the control block, the stack grows down
	// from it to StackBottom.
	StackTop    uint64
	StackBottom uint64
	// Started is always true for fibers found in the registry.
	Started bool

	// SaveArea is the address of the register save area.
	SaveArea uint64
	// Saved is the context found in the save area, zero if the save area
	// could not be read.
	Saved proc.Context
	// Context is the current context of the fiber: Saved, unless the fiber
	// is running on a thread.
	Context proc.Context

	// ThreadID is the OS thread running the fiber, zero if none.
	ThreadID int
	// ConflictingThreads lists the other threads whose stack pointer is
	// inside the fiber stack. It should always be empty.
	ConflictingThreads []int
}

// Running returns true if the fiber context was taken from an OS thread.
func (f *Fiber) Running() bool {
	return f.ThreadID != 0
}

// ContainsSP returns true if sp lies inside the fiber stack.
func (f *Fiber) ContainsSP(sp uint64) bool {
	return f.StackBottom <= sp && sp <= f.StackTop
}

// Decoder decodes control blocks.
type Decoder struct {
	mem    proc.MemoryReader
	layout *LayoutResolver
	opts   Options
	logger logflags.Logger
}

// NewDecoder returns a decoder reading control blocks from mem.
func NewDecoder(mem proc.MemoryReader, layout *LayoutResolver, opts Options) *Decoder {
	return &Decoder{mem: mem, layout: layout, opts: opts.withDefaults(), logger: logflags.FibersLogger()}
}

// CheckLayout resolves the layout of the control block. It fails with
// *SymbolsUnavailableError if debug information is missing.
func (d *Decoder) CheckLayout() error {
	if err := d.opts.check(); err != nil {
		return err
	}
	_, err := d.layout.resolve(d.opts.ReservedSize)
	return err
}

// Decode decodes the fiber whose stack registry slot holds candidate. It
// returns nil, nil if the slot does not hold a live fiber: the control
// block is unreadable, the fiber is the master fiber, is dead or has not
// started. The only errors returned are *SymbolsUnavailableError and
// ErrReservedSizeTooLarge.
func (d *Decoder) Decode(candidate uint64) (*Fiber, error) {
	if err := d.opts.check(); err != nil {
		return nil, err
	}
	lay, err := d.layout.resolve(d.opts.ReservedSize)
	if err != nil {
		return nil, err
	}
	if candidate < d.opts.ReservedSize {
		d.logger.Debugf("candidate %#x: below the reserved area", candidate)
		return nil, nil
	}
	cb := candidate - d.opts.ReservedSize
	mem := proc.CacheMemory(d.mem, cb, int(d.opts.ReservedSize))
	block := make([]byte, d.opts.ReservedSize)
	if err := proc.ReadFull(mem, block, cb); err != nil {
		d.logger.Debugf("candidate %#x: %v", candidate, err)
		return nil, nil
	}

	stackSize := binary.LittleEndian.Uint64(block[lay.stackSize:])
	f := &Fiber{
		ID:       binary.LittleEndian.Uint64(block[lay.id:]),
		State:    State(binary.LittleEndian.Uint32(block[lay.state:])),
		StackTop: cb,
		SaveArea: binary.LittleEndian.Uint64(block[lay.saveArea:]),
		Started:  true,
	}
	if stackSize > cb {
		d.logger.Debugf("candidate %#x: stack size %#x larger than the address space below it", candidate, stackSize)
		return nil, nil
	}
	f.StackBottom = cb - stackSize

	switch {
	case f.StackTop == f.StackBottom:
		d.logger.Debugf("fiber %d at %#x: master fiber", f.ID, cb)
		return nil, nil
	case uint32(f.State) == d.opts.DeadState:
		d.logger.Debugf("fiber %d at %#x: dead", f.ID, cb)
		return nil, nil
	case !f.Started:
		return nil, nil
	}

	f.Saved, err = proc.ReadContext(mem, f.SaveArea)
	if err != nil {
		d.logger.Debugf("fiber %d: save area %#x: %v", f.ID, f.SaveArea, err)
	}
	f.Context = f.Saved
	return f, nil
}
