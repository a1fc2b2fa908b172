package core

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
	"github.com/fiberdbg/fiberdbg/pkg/proc/linutil"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &splicedMemory{}
			for _, region := range test.regions {
				r := bytes.NewReader(region.data)
				mem.Add(&offsetReaderAt{r, 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if n != test.readLen || err != nil || !reflect.DeepEqual(got, test.want) {
				t.Errorf("ReadAt = %v, %v, %v, want %v, %v, %v", n, err, got, test.readLen, nil, test.want)
			}
		})
	}
}

func TestSplicedReaderUnmapped(t *testing.T) {
	data := make([]byte, 100)
	mem := &splicedMemory{}
	mem.Add(&offsetReaderAt{bytes.NewReader(data), 0}, 0, 10)
	mem.Add(&offsetReaderAt{bytes.NewReader(data), 0}, 20, 10)

	tests := []struct {
		name string
		addr uint64
		size int
		n    int
	}{
		{"before any region", 40, 4, 0},
		{"across a hole", 8, 4, 2},
		{"inside the hole", 12, 4, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := mem.ReadMemory(make([]byte, tc.size), tc.addr)
			if !proc.IsUnreadable(err) {
				t.Fatalf("expected unreadable error, got %v", err)
			}
			if n != tc.n {
				t.Fatalf("expected %d bytes got %d", tc.n, n)
			}
		})
	}
}

// coreBuilder writes minimal x86-64 ELF core files.
type coreBuilder struct {
	notes bytes.Buffer
	loads []coreLoad
}

type coreLoad struct {
	vaddr, memsz uint64
	data         []byte
}

func pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func (b *coreBuilder) addNote(typ elf.NType, desc []byte) {
	name := "CORE\x00"
	binary.Write(&b.notes, binary.LittleEndian, elfNotesHdr{Namesz: uint32(len(name)), Descsz: uint32(len(desc)), Type: uint32(typ)})
	b.notes.WriteString(name)
	pad4(&b.notes)
	b.notes.Write(desc)
	pad4(&b.notes)
}

func (b *coreBuilder) addStructNote(typ elf.NType, v interface{}) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	b.addNote(typ, buf.Bytes())
}

func (b *coreBuilder) write(t *testing.T, path string) {
	t.Helper()
	const ehsize, phentsize = 64, 56
	phnum := 1 + len(b.loads)
	off := uint64(ehsize + phentsize*phnum)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(phnum),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, hdr)
	binary.Write(&out, binary.LittleEndian, elf.Prog64{Type: uint32(elf.PT_NOTE), Off: off, Filesz: uint64(b.notes.Len()), Align: 4})
	off += uint64(b.notes.Len())
	for _, l := range b.loads {
		binary.Write(&out, binary.LittleEndian, elf.Prog64{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: off, Vaddr: l.vaddr, Filesz: uint64(len(l.data)), Memsz: l.memsz, Align: 0x1000,
		})
		off += uint64(len(l.data))
	}
	out.Write(b.notes.Bytes())
	for _, l := range b.loads {
		out.Write(l.data)
	}
	if err := os.WriteFile(path, out.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
}

func auxvNote(entry uint64) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], 9) // AT_ENTRY
	binary.LittleEndian.PutUint64(buf[8:], entry)
	return buf
}

func ntFileNote(pageSize uint64, entries []linuxNTFileEntry) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, linuxNTFileHdr{Count: uint64(len(entries)), PageSize: pageSize})
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.linuxNTFileEntryHdr)
	}
	for _, e := range entries {
		buf.WriteString(e.Name)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func testExecutable(t *testing.T) (string, *elf.File) {
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("core files are only supported on linux/amd64")
	}
	exePath, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	exe, err := elf.Open(exePath)
	if err != nil {
		t.Skip(err)
	}
	t.Cleanup(func() { exe.Close() })
	return exePath, exe
}

func TestOpenCore(t *testing.T) {
	exePath, exe := testExecutable(t)

	const (
		stackAddr = 0x7f0000000000
		libName   = "/nonexistent/libfiber.so"
	)
	stack := make([]byte, 0x1000)
	for i := range stack {
		stack[i] = byte(i)
	}

	var b coreBuilder
	b.addStructNote(elf.NT_PRPSINFO, linuxPrPsInfo{Pid: 42})
	b.addStructNote(elf.NT_PRSTATUS, linuxPrStatusAMD64{Pid: 42, Reg: linutil.AMD64PtraceRegs{Rip: 0x401000, Rsp: stackAddr + 0x800, Rbp: stackAddr + 0x900, R12: 12}})
	b.addStructNote(_NT_FPREGSET, linutil.AMD64PtraceFpRegs{Cwd: 0x37f, Mxcsr: 0x1f80})
	b.addStructNote(elf.NT_PRSTATUS, linuxPrStatusAMD64{Pid: 43, Reg: linutil.AMD64PtraceRegs{Rip: 0x402000}})
	b.addNote(_NT_AUXV, auxvNote(exe.Entry))
	b.addNote(_NT_FILE, ntFileNote(0x1000, []linuxNTFileEntry{
		{linuxNTFileEntryHdr{Start: stackAddr, End: stackAddr + 0x2000}, libName},
	}))
	b.loads = append(b.loads, coreLoad{vaddr: stackAddr, memsz: 0x2000, data: stack})

	corePath := filepath.Join(t.TempDir(), "core")
	b.write(t, corePath)

	p, err := OpenCore(corePath, exePath)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Detach()

	if p.Pid() != 42 {
		t.Errorf("expected pid 42 got %d", p.Pid())
	}
	if p.EntryPoint() != exe.Entry {
		t.Errorf("expected entry point %#x got %#x", exe.Entry, p.EntryPoint())
	}
	if !p.Recorded() {
		t.Error("core files are recorded")
	}
	if ctxs, _ := p.ThreadContexts(); len(ctxs) != 0 {
		t.Errorf("expected no running threads got %v", ctxs)
	}

	threads, err := p.Threads()
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads got %d", len(threads))
	}
	want := proc.ThreadContext{ID: 42, Context: proc.Context{Mxcsr: 0x1f80, X87CW: 0x37f, R12: 12, Rbp: stackAddr + 0x900, Rip: 0x401000, Rsp: stackAddr + 0x800}}
	if threads[0] != want {
		t.Errorf("expected %+v got %+v", want, threads[0])
	}
	if threads[1].ID != 43 || threads[1].Rip != 0x402000 || threads[1].Mxcsr != 0 {
		t.Errorf("unexpected second thread %+v", threads[1])
	}

	buf := make([]byte, 4)
	if _, err := p.ReadMemory(buf, stackAddr+0x10); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0x10, 0x11, 0x12, 0x13}) {
		t.Errorf("unexpected memory %x", buf)
	}
	if _, err := p.ReadMemory(buf, stackAddr+0x1800); !proc.IsUnreadable(err) {
		t.Errorf("memory not saved in the core should be unreadable, got %v", err)
	}

	segs, err := p.Segments()
	if err != nil {
		t.Fatal(err)
	}
	wantSegs := []proc.Segment{{Start: stackAddr, End: stackAddr + 0x2000, File: libName}}
	if !reflect.DeepEqual(segs, wantSegs) {
		t.Errorf("expected segments %+v got %+v", wantSegs, segs)
	}
	if p.DebugInfo() == nil {
		t.Error("expected debug information")
	}
}

func TestOpenCoreErrors(t *testing.T) {
	exePath, _ := testExecutable(t)
	dir := t.TempDir()

	notCore := filepath.Join(dir, "notcore")
	if err := os.WriteFile(notCore, []byte(strings.Repeat("not an ELF file. ", 10)), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenCore(notCore, exePath); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Errorf("expected ErrUnrecognizedFormat got %v", err)
	}

	// An executable is not a core file.
	if _, err := OpenCore(exePath, exePath); err == nil || !strings.Contains(err.Error(), "not a core file") {
		t.Errorf("expected not a core file error got %v", err)
	}
}

func TestReadNoteFileNames(t *testing.T) {
	desc := ntFileNote(0x1000, []linuxNTFileEntry{
		{linuxNTFileEntryHdr{Start: 0x400000, End: 0x401000}, "/usr/bin/app"},
		{linuxNTFileEntryHdr{Start: 0x7f0000000000, End: 0x7f0000003000, FileOfs: 2}, "/lib/x86_64-linux-gnu/libc.so.6"},
	})
	var b coreBuilder
	b.addNote(_NT_FILE, desc)

	n, err := readNote(bytes.NewReader(b.notes.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if n.Name != "CORE" {
		t.Errorf("expected note name CORE got %q", n.Name)
	}
	f := n.Desc.(*linuxNTFile)
	if f.PageSize != 0x1000 || len(f.entries) != 2 {
		t.Fatalf("unexpected NT_FILE %+v", f.linuxNTFileHdr)
	}
	if f.entries[0].Name != "/usr/bin/app" || f.entries[1].Name != "/lib/x86_64-linux-gnu/libc.so.6" || f.entries[1].FileOfs != 2 {
		t.Errorf("unexpected entries %+v %+v", *f.entries[0], *f.entries[1])
	}
}
