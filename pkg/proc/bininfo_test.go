package proc

import (
	"debug/elf"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

func TestFindFunction(t *testing.T) {
	bi := newBinaryInfo("test")
	bi.functions = []symbol{
		{name: "_ZN5flare5fiber6detail9FiberProcEPv", addr: 0x2000, size: 0x100},
		{name: "jump_context", addr: 0x1000, size: 0x40},
		{name: "main", addr: 0x3000},
	}
	bi.sortFunctions()

	tests := []struct {
		pc   uint64
		name string
		desc string
	}{
		{0x1010, "jump_context", "0x0000000000001010 jump_context + 16 [(Unknown)]"},
		{0x1040, "", "0x0000000000001040 No symbol matches 0x1040. [(Unknown)]"},
		{0x2000, "flare::fiber::detail::FiberProc(void*)", "0x0000000000002000 flare::fiber::detail::FiberProc(void*) [(Unknown)]"},
		{0x3500, "main", "0x0000000000003500 main + 1280 [(Unknown)]"},
		{0x500, "", "0x0000000000000500 No symbol matches 0x500. [(Unknown)]"},
	}
	for _, tc := range tests {
		if got := bi.FunctionName(tc.pc); got != tc.name {
			t.Errorf("%#x: expected function %q got %q", tc.pc, tc.name, got)
		}
		if got := bi.Describe(tc.pc); got != tc.desc {
			t.Errorf("%#x: expected %q got %q", tc.pc, tc.desc, got)
		}
	}
	if got := bi.Describe(InvalidPC); got != InvalidPCDescription {
		t.Errorf("expected %q got %q", InvalidPCDescription, got)
	}
}

func TestDescribeSegmentAttribution(t *testing.T) {
	bi := newBinaryInfo("test")
	bi.SetSegments([]Segment{{Start: 0x7f0000000000, End: 0x7f0000001000, File: "/lib/libc.so.6"}})
	want := "0x00007f0000000010 ?? in /lib/libc.so.6 [(Unknown)]"
	if got := bi.Describe(0x7f0000000010); got != want {
		t.Fatalf("expected %q got %q", want, got)
	}
}

func TestLookupSym(t *testing.T) {
	bi := newBinaryInfo("test")
	bi.addGlobal(symbol{name: "_ZN5flare5fiber6detail14stack_registryE", addr: 0x4000})
	for _, name := range []string{"_ZN5flare5fiber6detail14stack_registryE", "flare::fiber::detail::stack_registry"} {
		addr, err := bi.LookupSym(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if addr != 0x4000 {
			t.Fatalf("%s: expected %#x got %#x", name, 0x4000, addr)
		}
	}
	if _, err := bi.LookupSym("missing"); !errors.Is(err, ErrNoSymbol) {
		t.Fatalf("expected ErrNoSymbol got %v", err)
	}
}

func TestFieldOffsetWithoutDebugInfo(t *testing.T) {
	bi := newBinaryInfo("test")
	if _, err := bi.FieldOffset("flare::fiber::detail::FiberEntity", "state"); !errors.Is(err, ErrNoDebugInfo) {
		t.Fatalf("expected ErrNoDebugInfo got %v", err)
	}
}

type nestedFixture struct {
	A uint32
	B struct {
		C uint16
		D uint64
	}
}

// The test binary itself is a convenient ELF executable with DWARF.
func loadTestExecutable(t *testing.T) *BinaryInfo {
	path, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	bi, err := LoadBinaryInfo(path, 0)
	if err != nil {
		t.Skip(err)
	}
	if bi.dwarf == nil || bi.Bias != 0 || bi.closer.Type != elf.ET_EXEC {
		bi.Close()
		t.Skip("test executable is not a plain executable with debug information")
	}
	t.Cleanup(func() { bi.Close() })
	return bi
}

func TestFieldOffsetFromDWARF(t *testing.T) {
	bi := loadTestExecutable(t)
	prefix := reflect.TypeOf(Segment{}).PkgPath() + "."

	tests := []struct {
		typ, field string
		want       int64
	}{
		{"Segment", "Start", 0},
		{"Segment", "End", 8},
		{"Segment", "File", 16},
		{"nestedFixture", "B", int64(reflect.TypeOf(nestedFixture{}).Field(1).Offset)},
		{"nestedFixture", "B.D", int64(reflect.TypeOf(nestedFixture{}).Field(1).Offset) + 8},
	}
	for _, tc := range tests {
		got, err := bi.FieldOffset(prefix+tc.typ, tc.field)
		if err != nil {
			t.Errorf("%s.%s: %v", tc.typ, tc.field, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s.%s: expected %d got %d", tc.typ, tc.field, tc.want, got)
		}
	}
	if _, err := bi.FieldOffset(prefix+"Segment", "Missing"); !errors.Is(err, ErrNoSymbol) {
		t.Errorf("expected ErrNoSymbol got %v", err)
	}
	if _, err := bi.FieldOffset(prefix+"NoSuchType", "Start"); !errors.Is(err, ErrNoSymbol) {
		t.Errorf("expected ErrNoSymbol got %v", err)
	}
}

func TestDescribeFromDWARF(t *testing.T) {
	bi := loadTestExecutable(t)
	pc := uint64(reflect.ValueOf(TestDescribeFromDWARF).Pointer())
	if name := bi.FunctionName(pc); !strings.HasSuffix(name, "proc.TestDescribeFromDWARF") {
		t.Fatalf("unexpected function name %q", name)
	}
	d := bi.Describe(pc)
	if !strings.Contains(d, "bininfo_test.go:") {
		t.Fatalf("expected source position in %q", d)
	}
}
