package test

import (
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// Layout of the synthetic fiber runtime built by FiberFixture.
const (
	RegistrySymbol = "flare::fiber::detail::stack_registry"
	EntityType     = "flare::fiber::detail::FiberEntity"
	ReservedSize   = 512

	OffsetID        = 0x10
	OffsetState     = 0x20
	OffsetSaveArea  = 0x28
	OffsetStackSize = 0x38

	StateReady   = 0
	StateRunning = 1
	StateWaiting = 2
	StateDead    = 3

	RegistryAddr = 0x600000
	slotsAddr    = 0x610000
	stacksAddr   = 0x7f0000000000
	stackStride  = 0x100000

	// Distance of the save area and of the innermost frame from the
	// control block.
	saveAreaOffset = 0x100
	framesOffset   = 0x8000
	frameSize      = 0x20
)

// FiberSpec describes a fiber created by FiberFixture.AddFiber.
type FiberSpec struct {
	ID    uint64
	State uint32
	// StackSize defaults to 64KiB and must be at least 64KiB.
	StackSize uint64
	// Master records a stack size of zero, like the control block of the
	// master fiber of a scheduling group.
	Master bool
	// Rip is the saved instruction pointer.
	Rip uint64
	// Returns are the return addresses of the saved frame pointer chain,
	// innermost first.
	Returns []uint64
	// UnmapSaveArea puts the save area pointer outside of mapped memory.
	UnmapSaveArea bool
}

// Fiber is a fiber created by FiberFixture.AddFiber.
type Fiber struct {
	FiberSpec
	// Candidate is the value stored in the registry slot.
	Candidate    uint64
	ControlBlock uint64
	SaveArea     uint64
	// Rbp is the saved frame pointer, pointing at the innermost frame.
	Rbp uint64
}

// StackBottom returns the lowest address of the fiber stack.
func (f *Fiber) StackBottom() uint64 {
	return f.ControlBlock - f.StackSize
}

// FiberFixture builds the memory image of a process running the fiber
// runtime: a stack registry and one stack per fiber.
type FiberFixture struct {
	Target *FakeTarget
	Fibers []*Fiber
	next   uint64
}

// NewFiberFixture returns a fixture with debug information for the
// synthetic layout and an empty registry.
func NewFiberFixture() *FiberFixture {
	t := NewFakeTarget()
	info := t.Info()
	info.Symbols[RegistrySymbol] = RegistryAddr
	info.Offsets[EntityType+".debugging_fiber_id"] = OffsetID
	info.Offsets[EntityType+".state"] = OffsetState
	info.Offsets[EntityType+".state_save_area"] = OffsetSaveArea
	info.Offsets[EntityType+".stack_size"] = OffsetStackSize
	t.Map(RegistryAddr, 16, "/usr/bin/app")
	return &FiberFixture{Target: t, next: stacksAddr}
}

// AddFiber maps a stack for spec and returns the resulting fiber. The
// fiber is not registered until SetRegistry is called.
func (fx *FiberFixture) AddFiber(spec FiberSpec) *Fiber {
	if spec.StackSize == 0 {
		spec.StackSize = 0x10000
	}
	bottom := fx.next
	fx.next += spec.StackSize + ReservedSize + stackStride
	t := fx.Target
	t.Map(bottom, spec.StackSize+ReservedSize, "")

	f := &Fiber{FiberSpec: spec, ControlBlock: bottom + spec.StackSize}
	f.Candidate = f.ControlBlock + ReservedSize
	f.SaveArea = f.ControlBlock - saveAreaOffset
	if spec.UnmapSaveArea {
		f.SaveArea = 0x10
	}
	f.Rbp = f.ControlBlock - framesOffset

	t.PutUint64(f.ControlBlock+OffsetID, spec.ID)
	t.PutUint32(f.ControlBlock+OffsetState, spec.State)
	t.PutUint64(f.ControlBlock+OffsetSaveArea, f.SaveArea)
	if spec.Master {
		t.PutUint64(f.ControlBlock+OffsetStackSize, 0)
	} else {
		t.PutUint64(f.ControlBlock+OffsetStackSize, spec.StackSize)
	}

	if !spec.UnmapSaveArea {
		t.PutUint32(f.SaveArea, 0x1f80)
		t.PutUint32(f.SaveArea+4, 0x037f)
		t.PutUint64(f.SaveArea+0x30, f.Rbp)
		t.PutUint64(f.SaveArea+0x38, spec.Rip)
	}

	bp := f.Rbp
	for _, ret := range spec.Returns {
		t.PutUint64(bp, bp+frameSize)
		t.PutUint64(bp+8, ret)
		bp += frameSize
	}
	t.PutUint64(bp, 0)
	t.PutUint64(bp+8, 0)

	fx.Fibers = append(fx.Fibers, f)
	return f
}

// SetRegistry writes the stack registry with the given slots.
func (fx *FiberFixture) SetRegistry(slots []uint64) {
	t := fx.Target
	t.Unmap(slotsAddr)
	t.Map(slotsAddr, uint64(8*len(slots))+8, "")
	for i, s := range slots {
		t.PutUint64(slotsAddr+uint64(8*i), s)
	}
	t.PutUint64(RegistryAddr, slotsAddr)
	t.PutUint64(RegistryAddr+8, uint64(len(slots)))
}

// RegisterAll writes a registry holding every fiber added so far.
func (fx *FiberFixture) RegisterAll() {
	slots := make([]uint64, 0, len(fx.Fibers))
	for _, f := range fx.Fibers {
		slots = append(slots, f.Candidate)
	}
	fx.SetRegistry(slots)
}

// RunOnThread adds a live thread currently executing f, with its stack
// pointer inside the fiber stack.
func (fx *FiberFixture) RunOnThread(id int, f *Fiber, rip, rbp uint64) proc.Context {
	ctx := proc.Context{Rip: rip, Rbp: rbp, Rsp: f.ControlBlock - 0x1000, R12: uint64(id)}
	fx.Target.AddThread(id, ctx)
	return ctx
}
