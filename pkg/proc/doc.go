// Package proc provides read-only access to a stopped target: its memory,
// its threads, the symbols and DWARF of its executable, and a frame pointer
// based unwinder.
//
// A target is either a live process stopped with ptrace (see package
// native) or a core file (see package core).
package proc
