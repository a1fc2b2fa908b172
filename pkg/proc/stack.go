package proc

import (
	"github.com/fiberdbg/fiberdbg/pkg/logflags"
)

// InvalidPC marks the point where a frame pointer chain could not be
// followed any further because memory was unreadable.
const InvalidPC = ^uint64(0)

// DefaultMaxStackDepth is the default maximum number of frames returned by
// Unwind.
const DefaultMaxStackDepth = 100

// StackIterator walks the frame pointer chain of a stack, one return
// address at a time.
type StackIterator struct {
	mem MemoryReader
	pc  uint64
	bp  uint64

	started bool
	// loadBP is set when bp still points at the frame whose return address
	// was just returned and must be replaced by the saved frame pointer.
	loadBP bool
	atend  bool
	err    error
}

// NewStackIterator returns an iterator that starts at pc, with bp the value
// of the frame pointer register of the same frame.
func NewStackIterator(mem MemoryReader, pc, bp uint64) *StackIterator {
	return &StackIterator{mem: mem, pc: pc, bp: bp}
}

// Next moves the iterator to the next frame, it returns false when there
// are no more frames.
func (it *StackIterator) Next() bool {
	if it.atend {
		return false
	}
	if !it.started {
		it.started = true
		return true
	}
	if it.loadBP {
		bp, err := ReadUint64(it.mem, it.bp)
		if err != nil {
			return it.fail(err)
		}
		it.bp = bp
		it.loadBP = false
	}
	ret, err := ReadUint64(it.mem, it.bp+8)
	if err != nil {
		return it.fail(err)
	}
	if ret == 0 {
		it.atend = true
		return false
	}
	it.pc = ret
	it.loadBP = true
	return true
}

func (it *StackIterator) fail(err error) bool {
	if logflags.Unwind() {
		logflags.UnwindLogger().Debugf("frame pointer chain broken at bp=%#x: %v", it.bp, err)
	}
	it.err = err
	it.pc = InvalidPC
	it.atend = true
	return true
}

// PC returns the instruction address of the current frame. It is InvalidPC
// for the last frame of a corrupted stack.
func (it *StackIterator) PC() uint64 {
	return it.pc
}

// Err returns the error that made the iterator stop, if any.
func (it *StackIterator) Err() error {
	return it.err
}

// CallStack is the list of instruction addresses of a stack, innermost
// frame first.
type CallStack struct {
	PCs []uint64
	// Truncated is set if the stack had more than the requested number of
	// frames.
	Truncated bool
}

// Corrupted returns true if unwinding stopped on unreadable memory.
func (s CallStack) Corrupted() bool {
	return len(s.PCs) > 0 && s.PCs[len(s.PCs)-1] == InvalidPC
}

// Equal returns true if both stacks have the same frames.
func (s CallStack) Equal(o CallStack) bool {
	if s.Truncated != o.Truncated || len(s.PCs) != len(o.PCs) {
		return false
	}
	for i := range s.PCs {
		if s.PCs[i] != o.PCs[i] {
			return false
		}
	}
	return true
}

// Unwind returns at most depth frames of the stack starting at pc, bp. If
// depth is not positive DefaultMaxStackDepth is used.
func Unwind(mem MemoryReader, pc, bp uint64, depth int) CallStack {
	if depth <= 0 {
		depth = DefaultMaxStackDepth
	}
	var s CallStack
	it := NewStackIterator(mem, pc, bp)
	for it.Next() {
		if len(s.PCs) >= depth {
			s.Truncated = true
			break
		}
		s.PCs = append(s.PCs, it.PC())
	}
	return s
}
