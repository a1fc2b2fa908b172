package proc

import (
	"encoding/binary"

	"github.com/fiberdbg/fiberdbg/pkg/proc/linutil"
)

// SaveAreaSize is the size of the register save area written by the
// fiber context switch routine.
const SaveAreaSize = 0x40

// Offsets inside the save area.
const (
	saveAreaMxcsr = 0x00
	saveAreaX87CW = 0x04
	saveAreaR12   = 0x08
	saveAreaR13   = 0x10
	saveAreaR14   = 0x18
	saveAreaR15   = 0x20
	saveAreaRbx   = 0x28
	saveAreaRbp   = 0x30
	saveAreaRip   = 0x38
)

// Context is the execution context of a fiber: the callee-saved registers
// plus the instruction, frame and stack pointers.
type Context struct {
	Mxcsr uint32
	X87CW uint32
	R12   uint64
	R13   uint64
	R14   uint64
	R15   uint64
	Rbx   uint64
	Rbp   uint64
	Rip   uint64
	Rsp   uint64
}

// ContextFromSaveArea decodes the save area found at addr. Bytes missing
// from buf decode as zero; Rsp is always derived from addr, it points past
// the saved return address.
func ContextFromSaveArea(addr uint64, buf []byte) Context {
	if len(buf) < SaveAreaSize {
		buf = append(buf[:len(buf):len(buf)], make([]byte, SaveAreaSize-len(buf))...)
	}
	u64 := func(off int) uint64 { return binary.LittleEndian.Uint64(buf[off:]) }
	return Context{
		Mxcsr: binary.LittleEndian.Uint32(buf[saveAreaMxcsr:]),
		X87CW: binary.LittleEndian.Uint32(buf[saveAreaX87CW:]),
		R12:   u64(saveAreaR12),
		R13:   u64(saveAreaR13),
		R14:   u64(saveAreaR14),
		R15:   u64(saveAreaR15),
		Rbx:   u64(saveAreaRbx),
		Rbp:   u64(saveAreaRbp),
		Rip:   u64(saveAreaRip),
		Rsp:   addr + saveAreaRip + 8,
	}
}

// ReadContext reads the save area at addr. If it can not be read the zero
// Context is returned along with the error.
func ReadContext(mem MemoryReader, addr uint64) (Context, error) {
	buf := make([]byte, SaveAreaSize)
	if err := ReadFull(mem, buf, addr); err != nil {
		return Context{}, err
	}
	return ContextFromSaveArea(addr, buf), nil
}

// ContextFromRegisters builds a Context from the register file of a live
// (or dumped) thread. fp may be nil.
func ContextFromRegisters(regs *linutil.AMD64PtraceRegs, fp *linutil.AMD64PtraceFpRegs) Context {
	ctx := Context{
		R12: regs.R12,
		R13: regs.R13,
		R14: regs.R14,
		R15: regs.R15,
		Rbx: regs.Rbx,
		Rbp: regs.Rbp,
		Rip: regs.Rip,
		Rsp: regs.Rsp,
	}
	if fp != nil {
		ctx.Mxcsr = fp.Mxcsr
		ctx.X87CW = uint32(fp.Cwd)
	}
	return ctx
}

// ThreadContext is the register context of an OS thread.
type ThreadContext struct {
	ID int
	Context
}
