package proc

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ianlancetaylor/demangle"

	"github.com/fiberdbg/fiberdbg/pkg/logflags"
)

const describeCacheSize = 4096

// InvalidPCDescription is the description of InvalidPC.
const InvalidPCDescription = "Invalid instruction pointer, corrupted stack?"

// ErrUnsupportedArch is returned for executables that are not linux/amd64.
var ErrUnsupportedArch = errors.New("unsupported architecture, only x86-64 ELF executables are supported")

// BinaryInfo holds the symbol table and the debug information of the
// executable of a target.
type BinaryInfo struct {
	// Path is the path of the executable.
	Path string
	// Bias is the difference between runtime addresses and the addresses
	// recorded in the executable, non zero for position independent
	// executables.
	Bias uint64

	closer   *elf.File
	dwarf    *dwarf.Data
	dwarfErr error

	// Function symbols sorted by address, and global data symbols by name.
	functions []symbol
	globals   map[string]symbol

	segments       []Segment
	substitutePath func(string) string

	typesOnce sync.Once
	types     map[string]dwarf.Offset
	typesErr  error
	fields    map[dwarf.Offset]*dwarf.StructType

	cache  *lru.Cache
	logger logflags.Logger
}

type symbol struct {
	name  string
	addr  uint64
	size  uint64
	isRaw bool
}

// LoadBinaryInfo opens the executable at path. entryPoint is the runtime
// address of the entry point, used to compute the load bias of position
// independent executables, zero if unknown.
func LoadBinaryInfo(path string, entryPoint uint64) (*BinaryInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	if f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		f.Close()
		return nil, ErrUnsupportedArch
	}
	bi := newBinaryInfo(path)
	bi.closer = f
	if f.Type == elf.ET_DYN && entryPoint != 0 {
		bi.Bias = entryPoint - f.Entry
	}
	bi.loadSymbols(f)
	bi.dwarf, bi.dwarfErr = f.DWARF()
	if bi.dwarfErr != nil {
		bi.logger.Warnf("%s: %v", path, bi.dwarfErr)
	}
	bi.logger.Debugf("loaded %s: %d functions, %d globals, bias %#x", path, len(bi.functions), len(bi.globals), bi.Bias)
	return bi, nil
}

func newBinaryInfo(path string) *BinaryInfo {
	cache, _ := lru.New(describeCacheSize)
	return &BinaryInfo{
		Path:    path,
		globals: make(map[string]symbol),
		fields:  make(map[dwarf.Offset]*dwarf.StructType),
		cache:   cache,
		logger:  logflags.SymbolsLogger(),
	}
}

// Close releases the executable.
func (bi *BinaryInfo) Close() error {
	if bi.closer == nil {
		return nil
	}
	return bi.closer.Close()
}

func (bi *BinaryInfo) loadSymbols(f *elf.File) {
	syms, err := f.Symbols()
	if err != nil {
		bi.logger.Debugf("no static symbol table: %v", err)
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		syms = append(syms, dynsyms...)
	}
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		s := symbol{name: sym.Name, addr: sym.Value + bi.Bias, size: sym.Size}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			bi.functions = append(bi.functions, s)
		case elf.STT_OBJECT:
			bi.addGlobal(s)
		}
	}
	bi.sortFunctions()
}

func (bi *BinaryInfo) addGlobal(s symbol) {
	bi.globals[s.name] = s
	if dn := demangle.Filter(s.name); dn != s.name {
		bi.globals[dn] = s
	}
}

func (bi *BinaryInfo) sortFunctions() {
	sort.SliceStable(bi.functions, func(i, j int) bool { return bi.functions[i].addr < bi.functions[j].addr })
}

// SetSegments records the memory map of the target, used to attribute
// addresses that have no symbol.
func (bi *BinaryInfo) SetSegments(segs []Segment) {
	bi.segments = segs
	bi.cache.Purge()
}

// SetSubstitutePath installs a function applied to every source file path
// before it is shown.
func (bi *BinaryInfo) SetSubstitutePath(fn func(string) string) {
	bi.substitutePath = fn
	bi.cache.Purge()
}

// LookupSym returns the runtime address of the global variable name. Both
// mangled and demangled names are accepted.
func (bi *BinaryInfo) LookupSym(name string) (uint64, error) {
	if s, ok := bi.globals[name]; ok {
		return s.addr, nil
	}
	return 0, fmt.Errorf("could not find symbol %s: %w", name, ErrNoSymbol)
}

func (bi *BinaryInfo) findFunction(pc uint64) (symbol, bool) {
	i := sort.Search(len(bi.functions), func(i int) bool { return bi.functions[i].addr > pc })
	if i == 0 {
		return symbol{}, false
	}
	s := bi.functions[i-1]
	if s.size != 0 && pc >= s.addr+s.size {
		return symbol{}, false
	}
	return s, true
}

// FunctionName returns the demangled name of the function containing pc.
func (bi *BinaryInfo) FunctionName(pc uint64) string {
	s, ok := bi.findFunction(pc)
	if !ok {
		return ""
	}
	return demangle.Filter(s.name)
}

// PCToLine returns the source file and line of pc.
func (bi *BinaryInfo) PCToLine(pc uint64) (string, int, bool) {
	if bi.dwarf == nil {
		return "", 0, false
	}
	pc -= bi.Bias
	cu, err := bi.dwarf.Reader().SeekPC(pc)
	if err != nil || cu == nil {
		return "", 0, false
	}
	lr, err := bi.dwarf.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0, false
	}
	var e dwarf.LineEntry
	if err := lr.SeekPC(pc, &e); err != nil || e.File == nil {
		return "", 0, false
	}
	file := e.File.Name
	if bi.substitutePath != nil {
		file = bi.substitutePath(file)
	}
	return file, e.Line, true
}

// Describe returns a one line description of pc:
//
//	0x<pc> <function> + <offset> [<file>:<line>]
func (bi *BinaryInfo) Describe(pc uint64) string {
	if pc == InvalidPC {
		return InvalidPCDescription
	}
	if v, ok := bi.cache.Get(pc); ok {
		return v.(string)
	}
	d := fmt.Sprintf("0x%016x %s [%s]", pc, bi.symbolDescription(pc), bi.lineDescription(pc))
	bi.cache.Add(pc, d)
	return d
}

func (bi *BinaryInfo) symbolDescription(pc uint64) string {
	if s, ok := bi.findFunction(pc); ok {
		name := demangle.Filter(s.name)
		if off := pc - s.addr; off != 0 {
			return fmt.Sprintf("%s + %d", name, off)
		}
		return name
	}
	if seg, ok := FindSegment(bi.segments, pc); ok && seg.File != "" {
		return fmt.Sprintf("?? in %s", seg.File)
	}
	return fmt.Sprintf("No symbol matches 0x%x.", pc)
}

func (bi *BinaryInfo) lineDescription(pc uint64) string {
	file, line, ok := bi.PCToLine(pc)
	if !ok {
		return "(Unknown)"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// FieldOffset returns the byte offset of fieldName inside the struct or
// class structName. structName is fully qualified ("ns::Type"). fieldName
// may name a nested member with dots ("a.b").
func (bi *BinaryInfo) FieldOffset(structName, fieldName string) (int64, error) {
	if bi.dwarf == nil {
		if bi.dwarfErr != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoDebugInfo, bi.dwarfErr)
		}
		return 0, ErrNoDebugInfo
	}
	bi.typesOnce.Do(bi.loadTypes)
	if bi.typesErr != nil {
		return 0, bi.typesErr
	}
	off, ok := bi.types[structName]
	if !ok {
		return 0, fmt.Errorf("could not find type %s: %w", structName, ErrNoSymbol)
	}
	st, err := bi.structType(off)
	if err != nil {
		return 0, err
	}
	var total int64
	path := strings.Split(fieldName, ".")
	for i, name := range path {
		field := findField(st, name)
		if field == nil {
			return 0, fmt.Errorf("type %s has no field %s: %w", structName, fieldName, ErrNoSymbol)
		}
		total += field.ByteOffset
		if i == len(path)-1 {
			break
		}
		next, ok := resolveTypedefs(field.Type).(*dwarf.StructType)
		if !ok {
			return 0, fmt.Errorf("field %s of %s is not a struct: %w", name, structName, ErrNoSymbol)
		}
		st = next
	}
	return total, nil
}

func (bi *BinaryInfo) structType(off dwarf.Offset) (*dwarf.StructType, error) {
	if st, ok := bi.fields[off]; ok {
		return st, nil
	}
	typ, err := bi.dwarf.Type(off)
	if err != nil {
		return nil, err
	}
	st, ok := typ.(*dwarf.StructType)
	if !ok {
		return nil, fmt.Errorf("%s is not a struct type", typ)
	}
	bi.fields[off] = st
	return st, nil
}

func findField(st *dwarf.StructType, name string) *dwarf.StructField {
	for _, f := range st.Field {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func resolveTypedefs(typ dwarf.Type) dwarf.Type {
	for {
		switch tt := typ.(type) {
		case *dwarf.TypedefType:
			typ = tt.Type
		case *dwarf.QualType:
			typ = tt.Type
		default:
			return typ
		}
	}
}

type typeScope struct {
	name      string
	qualified bool
}

// loadTypes indexes every complete struct and class type by its qualified
// name. Types local to functions are not indexed.
func (bi *BinaryInfo) loadTypes() {
	bi.types = make(map[string]dwarf.Offset)
	rdr := bi.dwarf.Reader()
	var scopes []typeScope
	for {
		e, err := rdr.Next()
		if err != nil {
			bi.typesErr = err
			return
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(scopes) > 0 {
				scopes = scopes[:len(scopes)-1]
			}
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		scope := typeScope{qualified: true}
		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			scopes = scopes[:0]
		case dwarf.TagNamespace:
			if name == "" {
				name = "(anonymous namespace)"
			}
			scope.name = name
		case dwarf.TagStructType, dwarf.TagClassType:
			scope.name = name
			decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
			if name != "" && !decl && allQualified(scopes) {
				qname := qualify(scopes, name)
				if _, dup := bi.types[qname]; !dup {
					bi.types[qname] = e.Offset
				}
			}
		case dwarf.TagSubprogram, dwarf.TagLexDwarfBlock, dwarf.TagInlinedSubroutine:
			if e.Children {
				rdr.SkipChildren()
			}
			continue
		default:
			scope.qualified = false
		}
		if e.Children {
			scopes = append(scopes, scope)
		}
	}
	if logflags.Symbols() {
		bi.logger.Debugf("indexed %d struct types", len(bi.types))
	}
}

func allQualified(scopes []typeScope) bool {
	for _, s := range scopes {
		if !s.qualified {
			return false
		}
	}
	return true
}

func qualify(scopes []typeScope, name string) string {
	var b strings.Builder
	for _, s := range scopes {
		if s.name == "" {
			continue
		}
		b.WriteString(s.name)
		b.WriteString("::")
	}
	b.WriteString(name)
	return b.String()
}
