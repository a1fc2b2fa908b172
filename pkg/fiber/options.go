package fiber

import (
	"errors"
	"fmt"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// MaxReservedSize is the largest accepted ReservedSize. Fiber stack tops
// are aligned to it by the runtime.
const MaxReservedSize = 1 << 20

// ErrReservedSizeTooLarge is returned when the control block reservation
// exceeds MaxReservedSize.
var ErrReservedSizeTooLarge = errors.New("fiber stack reserved size too large")

// Options describes the layout of the fiber runtime and how deep stacks
// are unwound.
type Options struct {
	// RegistrySymbol is the name of the global stack registry.
	RegistrySymbol string
	// EntityType is the qualified name of the control block type.
	EntityType string
	// ReservedSize is the size of the area reserved at the top of every
	// stack for the control block.
	ReservedSize uint64
	// DeadState is the value of the state field of a fiber that exited.
	// Zero selects the default, zero is the ready state of the runtime.
	DeadState uint32
	// MaxStackDepth is the maximum number of frames unwound per fiber.
	MaxStackDepth int
	// SwitchRoutine is the name of the context switch routine.
	SwitchRoutine string
}

// DefaultOptions returns the options matching the flare runtime.
func DefaultOptions() Options {
	return Options{
		RegistrySymbol: "flare::fiber::detail::stack_registry",
		EntityType:     "flare::fiber::detail::FiberEntity",
		ReservedSize:   512,
		DeadState:      uint32(Dead),
		MaxStackDepth:  proc.DefaultMaxStackDepth,
		SwitchRoutine:  "jump_context",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RegistrySymbol == "" {
		o.RegistrySymbol = d.RegistrySymbol
	}
	if o.EntityType == "" {
		o.EntityType = d.EntityType
	}
	if o.ReservedSize == 0 {
		o.ReservedSize = d.ReservedSize
	}
	if o.DeadState == 0 {
		o.DeadState = d.DeadState
	}
	if o.MaxStackDepth <= 0 {
		o.MaxStackDepth = d.MaxStackDepth
	}
	if o.SwitchRoutine == "" {
		o.SwitchRoutine = d.SwitchRoutine
	}
	return o
}

func (o Options) check() error {
	if o.ReservedSize > MaxReservedSize {
		return fmt.Errorf("%w: %d bytes, at most %d", ErrReservedSizeTooLarge, o.ReservedSize, MaxReservedSize)
	}
	return nil
}
