package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLength is the maximum length of an x86-64 instruction.
const maxInstructionLength = 15

// AsmInstruction represents one assembly instruction.
type AsmInstruction struct {
	PC    uint64
	Bytes []byte
	Size  int
	Kind  AsmInstructionKind

	inst *x86asm.Inst
}

// AsmInstructionKind classifies control flow instructions.
type AsmInstructionKind uint8

const (
	OtherInstruction AsmInstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
)

// IsCall returns true if the instruction is a call.
func (instr *AsmInstruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

// IsRet returns true if the instruction is a return.
func (instr *AsmInstruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = AssemblyFlavour(iota)
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour
)

// DisassembleOne decodes the instruction at pc. Memory that can not be read
// up to the maximum instruction length is tolerated as long as the
// instruction itself fits in what was read.
func DisassembleOne(mem MemoryReader, pc uint64) (AsmInstruction, error) {
	buf := make([]byte, maxInstructionLength)
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 {
		if err == nil {
			err = &UnreadableError{Addr: pc, Len: len(buf)}
		}
		return AsmInstruction{PC: pc}, err
	}
	buf = buf[:n]
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return AsmInstruction{PC: pc, Bytes: buf[:1], Size: 1}, err
	}
	patchPCRelX86(pc, &inst)

	asmInst := AsmInstruction{PC: pc, Bytes: buf[:inst.Len], Size: inst.Len, inst: &inst}
	switch inst.Op {
	case x86asm.JMP, x86asm.LJMP:
		asmInst.Kind = JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		asmInst.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		asmInst.Kind = RetInstruction
	}
	return asmInst, nil
}

// converts PC relative arguments to absolute addresses
func patchPCRelX86(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}

// Text returns the assembly text of the instruction. symLookup, if not
// nil, names branch targets.
func (instr *AsmInstruction) Text(flavour AssemblyFlavour, symLookup func(uint64) string) string {
	if instr.inst == nil {
		return "?"
	}
	var lookup x86asm.SymLookup
	if symLookup != nil {
		lookup = func(addr uint64) (string, uint64) {
			name := symLookup(addr)
			if name == "" {
				return "", 0
			}
			return name, addr
		}
	}
	switch flavour {
	case IntelFlavour:
		return x86asm.IntelSyntax(*instr.inst, instr.PC, lookup)
	default:
		return x86asm.GNUSyntax(*instr.inst, instr.PC, lookup)
	}
}
