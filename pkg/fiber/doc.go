// Package fiber finds the fibers of a process running the flare fiber
// runtime and reconstructs their execution context.
//
// Fibers are enumerated through the runtime's global stack registry. Every
// registered stack carries a control block in the area reserved at its top;
// the control block points to the register save area written by the last
// context switch of the fiber. Fibers that are running on an OS thread when
// the target is stopped take their context from that thread instead.
package fiber
