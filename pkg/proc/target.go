package proc

import "errors"

var (
	// ErrProcessDetached indicates that we detached from the target process.
	ErrProcessDetached = errors.New("detached from the process")

	// ErrNoSymbol is returned when a symbol or a type can not be found in
	// the debug information of the target.
	ErrNoSymbol = errors.New("symbol not found")

	// ErrNoDebugInfo is returned when the executable carries no DWARF
	// information.
	ErrNoDebugInfo = errors.New("could not find debug information")
)

// Target is the inspected program, either a live process or a core file.
// Implementations are read only: nothing ever writes to the target.
type Target interface {
	MemoryReader

	// Segments returns the mapped memory segments, sorted by start address.
	Segments() ([]Segment, error)
	// ThreadContexts returns the register context of every thread that is
	// currently executing code. Core files have none.
	ThreadContexts() ([]ThreadContext, error)
	// Threads returns the register context of every OS thread known to
	// the target, including the threads recorded in a core file.
	Threads() ([]ThreadContext, error)
	// Recorded returns true if the target is a core file.
	Recorded() bool
	// DebugInfo returns the symbol and type information of the executable.
	DebugInfo() DebugInfo
	// Detach releases the target. A live process is resumed.
	Detach() error
}

// TypeInfo resolves the layout of types from debug information.
type TypeInfo interface {
	// FieldOffset returns the byte offset of fieldName inside structName.
	FieldOffset(structName, fieldName string) (int64, error)
}

// Symbolizer turns instruction addresses into human readable descriptions.
type Symbolizer interface {
	// Describe returns a one line description of pc.
	Describe(pc uint64) string
	// FunctionName returns the name of the function containing pc, or the
	// empty string.
	FunctionName(pc uint64) string
}

// DebugInfo is everything the fiber engine needs to know about the
// executable of the target.
type DebugInfo interface {
	TypeInfo
	Symbolizer
	// LookupSym returns the runtime address of the global variable name.
	LookupSym(name string) (uint64, error)
}
