package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
	"github.com/fiberdbg/fiberdbg/pkg/proc/linutil"
)

// Copied from golang.org/x/sys/unix.Timeval since it's not available on all
// systems.
type linuxCoreTimeval struct {
	Sec  int64
	Usec int64
}

// NT_FILE is file mapping information, e.g. program text mappings. Desc is a LinuxNTFile.
const _NT_FILE elf.NType = 0x46494c45 // "FILE".

// NT_AUXV is the note type for notes containing a copy of the Auxv array
const _NT_AUXV elf.NType = 0x6

// NT_FPREGSET is the note type for floating point registers.
const _NT_FPREGSET elf.NType = 0x2

const elfErrorBadMagicNumber = "bad magic number"

// maxNTFileEntries bounds the number of entries of a NT_FILE note.
const maxNTFileEntries = 1 << 20

func linuxThreadsFromNotes(p *Process, notes []*note) {
	var last *proc.ThreadContext
	var lastRegs *linutil.AMD64PtraceRegs
	for _, note := range notes {
		switch note.Type {
		case elf.NT_PRSTATUS:
			t := note.Desc.(*linuxPrStatusAMD64)
			p.threads = append(p.threads, proc.ThreadContext{ID: int(t.Pid), Context: proc.ContextFromRegisters(&t.Reg, nil)})
			last = &p.threads[len(p.threads)-1]
			lastRegs = &t.Reg
		case _NT_FPREGSET:
			if fp, ok := note.Desc.(*linutil.AMD64PtraceFpRegs); ok && last != nil {
				last.Context = proc.ContextFromRegisters(lastRegs, fp)
			}
		case elf.NT_PRPSINFO:
			p.pid = int(note.Desc.(*linuxPrPsInfo).Pid)
		}
	}
}

// readLinuxCore reads a core file from corePath corresponding to the executable at
// exePath. For details on the Linux ELF core format, see:
// http://www.gabriel.urdhr.fr/2015/05/29/core-file/,
// http://uhlo.blogspot.fr/2012/05/brief-look-into-core-dumps.html,
// elf_core_dump in http://lxr.free-electrons.com/source/fs/binfmt_elf.c,
// and, if absolutely desperate, readelf.c from the binutils source.
func readLinuxCore(corePath, exePath string) (*Process, error) {
	coreFile, err := elf.Open(corePath)
	if err != nil {
		var fmterr *elf.FormatError
		if errors.As(err, &fmterr) && (strings.Contains(err.Error(), elfErrorBadMagicNumber) || strings.Contains(err.Error(), " at offset 0x0: too short")) {
			return nil, ErrUnrecognizedFormat
		}
		return nil, err
	}
	p := &Process{closers: []io.Closer{coreFile}}
	fail := func(err error) (*Process, error) {
		p.Detach()
		return nil, err
	}

	exe, err := os.Open(exePath)
	if err != nil {
		return fail(err)
	}
	p.closers = append(p.closers, exe)
	exeELF, err := elf.NewFile(exe)
	if err != nil {
		return fail(err)
	}

	if coreFile.Type != elf.ET_CORE {
		return fail(fmt.Errorf("%s is not a core file", corePath))
	}
	if exeELF.Type != elf.ET_EXEC && exeELF.Type != elf.ET_DYN {
		return fail(fmt.Errorf("%s is not an executable file", exePath))
	}
	if coreFile.Machine != elf.EM_X86_64 || exeELF.Machine != elf.EM_X86_64 {
		return fail(proc.ErrUnsupportedArch)
	}

	notes, err := readNotes(coreFile)
	if err != nil {
		return fail(err)
	}
	p.entryPoint = findEntryPoint(notes)
	var bias uint64
	if exeELF.Type == elf.ET_DYN && p.entryPoint != 0 {
		bias = p.entryPoint - exeELF.Entry
	}
	p.mem = p.buildMemory(coreFile, exeELF, exe, exePath, bias, notes)
	p.segments = coreSegments(coreFile, notes)
	linuxThreadsFromNotes(p, notes)
	if logflags.Memory() {
		logger := logflags.MemoryLogger()
		logger.Debugf("core %s: pid %d, %d threads, %d segments, entry point %#x",
			corePath, p.pid, len(p.threads), len(p.segments), p.entryPoint)
		for _, th := range p.threads {
			logger.Debugf("thread %d: rip=%#x rsp=%#x", th.ID, th.Rip, th.Rsp)
		}
	}
	return p, nil
}

// Note is a note from the PT_NOTE prog.
// Relevant types:
// - NT_FILE: File mapping information, e.g. program text mappings. Desc is a LinuxNTFile.
// - NT_PRPSINFO: Information about a process, including PID and signal. Desc is a LinuxPrPsInfo.
// - NT_PRSTATUS: Information about a thread, including base registers, state, etc. Desc is a LinuxPrStatus.
// - NT_FPREGSET: x87 and SSE registers. Desc is a linutil.AMD64PtraceFpRegs.
// - NT_AUXV: the auxiliary vector. Desc is a []byte.
type note struct {
	Type elf.NType
	Name string
	Desc interface{} // Decoded Desc from the
}

// readNotes reads all the notes from the notes progs in core.
func readNotes(core *elf.File) ([]*note, error) {
	notes := []*note{}
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		r := prog.Open()
		for {
			note, err := readNote(r)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			notes = append(notes, note)
		}
	}
	if len(notes) == 0 {
		return nil, errors.New("core file has no notes")
	}
	return notes, nil
}

// readNote reads a single note from r, decoding the descriptor if possible.
func readNote(r io.ReadSeeker) (*note, error) {
	// Notes are laid out as described in the SysV ABI:
	// http://www.sco.com/developers/gabi/latest/ch5.pheader.html#note_section
	note := &note{}
	hdr := &elfNotesHdr{}

	err := binary.Read(r, binary.LittleEndian, hdr)
	if err != nil {
		return nil, err // don't wrap so readNotes sees EOF.
	}
	note.Type = elf.NType(hdr.Type)

	name := make([]byte, hdr.Namesz)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, fmt.Errorf("reading name: %v", err)
	}
	note.Name = string(bytes.TrimRight(name, "\x00"))
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after name: %v", err)
	}
	desc := make([]byte, hdr.Descsz)
	if _, err := io.ReadFull(r, desc); err != nil {
		return nil, fmt.Errorf("reading desc: %v", err)
	}
	descReader := bytes.NewReader(desc)
	switch note.Type {
	case elf.NT_PRSTATUS:
		note.Desc = &linuxPrStatusAMD64{}
		if err := binary.Read(descReader, binary.LittleEndian, note.Desc); err != nil {
			return nil, fmt.Errorf("reading NT_PRSTATUS: %v", err)
		}
	case elf.NT_PRPSINFO:
		note.Desc = &linuxPrPsInfo{}
		if err := binary.Read(descReader, binary.LittleEndian, note.Desc); err != nil {
			return nil, fmt.Errorf("reading NT_PRPSINFO: %v", err)
		}
	case _NT_FILE:
		// No good documentation reference, but the structure is
		// simply a header, including entry count, followed by that
		// many entries, and then the file name of each entry,
		// null-delimited.
		data := &linuxNTFile{}
		if err := binary.Read(descReader, binary.LittleEndian, &data.linuxNTFileHdr); err != nil {
			return nil, fmt.Errorf("reading NT_FILE header: %v", err)
		}
		if data.Count > maxNTFileEntries {
			return nil, fmt.Errorf("reading NT_FILE header: too many entries (%d)", data.Count)
		}
		for i := 0; i < int(data.Count); i++ {
			entry := &linuxNTFileEntry{}
			if err := binary.Read(descReader, binary.LittleEndian, &entry.linuxNTFileEntryHdr); err != nil {
				return nil, fmt.Errorf("reading NT_FILE entry %v: %v", i, err)
			}
			data.entries = append(data.entries, entry)
		}
		names := desc[len(desc)-descReader.Len():]
		for _, entry := range data.entries {
			i := bytes.IndexByte(names, 0)
			if i < 0 {
				entry.Name = string(names)
				break
			}
			entry.Name = string(names[:i])
			names = names[i+1:]
		}
		note.Desc = data
	case _NT_AUXV:
		note.Desc = desc
	case _NT_FPREGSET:
		fpregs := &linutil.AMD64PtraceFpRegs{}
		if len(desc) >= linutil.AMD64FpRegsSize {
			if err := binary.Read(descReader, binary.LittleEndian, fpregs); err != nil {
				return nil, fmt.Errorf("reading NT_FPREGSET: %v", err)
			}
			note.Desc = fpregs
		}
	}
	if err := skipPadding(r, 4); err != nil {
		return nil, fmt.Errorf("aligning after desc: %v", err)
	}
	return note, nil
}

// skipPadding moves r to the next multiple of pad.
func skipPadding(r io.ReadSeeker, pad int64) error {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos%pad == 0 {
		return nil
	}
	if _, err := r.Seek(pad-(pos%pad), io.SeekCurrent); err != nil {
		return err
	}
	return nil
}

func fileNotes(notes []*note) []*linuxNTFile {
	var r []*linuxNTFile
	for _, note := range notes {
		if note.Type == _NT_FILE {
			r = append(r, note.Desc.(*linuxNTFile))
		}
	}
	return r
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	ra, erra := filepath.EvalSymlinks(a)
	rb, errb := filepath.EvalSymlinks(b)
	return erra == nil && errb == nil && ra == rb
}

func (p *Process) buildMemory(core, exeELF *elf.File, exe io.ReaderAt, exePath string, bias uint64, notes []*note) proc.MemoryReader {
	memory := &splicedMemory{}
	logger := logflags.MemoryLogger()

	// File mappings: the executable, and every other mapped file still
	// present on this machine.
	opened := map[string]io.ReaderAt{}
	for _, fileNote := range fileNotes(notes) {
		for _, entry := range fileNote.entries {
			var rd io.ReaderAt
			switch {
			case entry.Name == "":
				continue
			case sameFile(entry.Name, exePath):
				rd = exe
			default:
				var ok bool
				if rd, ok = opened[entry.Name]; !ok {
					f, err := os.Open(entry.Name)
					if err != nil {
						logger.Debugf("mapped file %s not available: %v", entry.Name, err)
						opened[entry.Name] = nil
						continue
					}
					p.closers = append(p.closers, f)
					opened[entry.Name] = f
					rd = f
				}
				if rd == nil {
					continue
				}
			}
			r := &offsetReaderAt{
				reader: rd,
				offset: entry.Start - entry.FileOfs*fileNote.PageSize,
			}
			memory.Add(r, entry.Start, entry.End-entry.Start)
		}
	}

	// Load memory segments from exe and then from the core file,
	// allowing the corefile to overwrite previously loaded segments
	for i, elfFile := range []*elf.File{exeELF, core} {
		var off uint64
		if i == 0 {
			off = bias
		}
		for _, prog := range elfFile.Progs {
			if prog.Type == elf.PT_LOAD {
				if prog.Filesz == 0 {
					continue
				}
				r := &offsetReaderAt{
					reader: prog.ReaderAt,
					offset: prog.Vaddr + off,
				}
				memory.Add(r, prog.Vaddr+off, prog.Filesz)
			}
		}
	}
	return memory
}

// coreSegments returns the load segments of the core, attributed to the
// file mapped at the same address, if any.
func coreSegments(core *elf.File, notes []*note) []proc.Segment {
	var segs []proc.Segment
	files := fileNotes(notes)
	for _, prog := range core.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		seg := proc.Segment{Start: prog.Vaddr, End: prog.Vaddr + prog.Memsz}
	attribution:
		for _, fileNote := range files {
			for _, entry := range fileNote.entries {
				if entry.Start <= seg.Start && seg.Start < entry.End {
					seg.File = entry.Name
					break attribution
				}
			}
		}
		segs = append(segs, seg)
	}
	proc.SortSegments(segs)
	return segs
}

func findEntryPoint(notes []*note) uint64 {
	for _, note := range notes {
		if note.Type == _NT_AUXV {
			return linutil.EntryPointFromAuxv(note.Desc.([]byte))
		}
	}
	return 0
}

// LinuxPrPsInfo has various structures from the ELF spec and the Linux kernel.
// AMD64 specific primarily because of unix.PtraceRegs, but also
// because some of the fields are word sized.
// See http://lxr.free-electrons.com/source/include/uapi/linux/elfcore.h
type linuxPrPsInfo struct {
	State                uint8
	Sname                int8
	Zomb                 uint8
	Nice                 int8
	_                    [4]uint8
	Flag                 uint64
	Uid, Gid             uint32
	Pid, Ppid, Pgrp, Sid int32
	Fname                [16]uint8
	Args                 [80]uint8
}

// LinuxPrStatusAMD64 is a copy of the prstatus kernel struct.
type linuxPrStatusAMD64 struct {
	Siginfo                      linuxSiginfo
	Cursig                       uint16
	_                            [2]uint8
	Sigpend                      uint64
	Sighold                      uint64
	Pid, Ppid, Pgrp, Sid         int32
	Utime, Stime, CUtime, CStime linuxCoreTimeval
	Reg                          linutil.AMD64PtraceRegs
	Fpvalid                      int32
}

// LinuxSiginfo is a copy of the
// siginfo kernel struct.
type linuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

// LinuxNTFile contains information on mapped files.
type linuxNTFile struct {
	linuxNTFileHdr
	entries []*linuxNTFileEntry
}

// LinuxNTFileHdr is a header struct for NTFile.
type linuxNTFileHdr struct {
	Count    uint64
	PageSize uint64
}

// LinuxNTFileEntry is an entry of an NT_FILE note.
type linuxNTFileEntry struct {
	linuxNTFileEntryHdr
	Name string
}

type linuxNTFileEntryHdr struct {
	Start   uint64
	End     uint64
	FileOfs uint64
}

// elfNotesHdr is the ELF Notes header.
// Same size on 64 and 32-bit machines.
type elfNotesHdr struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}
