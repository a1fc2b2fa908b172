package fiber

import (
	"errors"
	"testing"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
	protest "github.com/fiberdbg/fiberdbg/pkg/proc/test"
)

func ids(fibers []*Fiber) []uint64 {
	r := make([]uint64, len(fibers))
	for i, f := range fibers {
		r[i] = f.ID
	}
	return r
}

func assertIDs(t *testing.T, fibers []*Fiber, want ...uint64) {
	t.Helper()
	got := ids(fibers)
	if len(got) != len(want) {
		t.Fatalf("expected fibers %v got %v", want, got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("expected fibers %v got %v", want, got)
		}
	}
}

func TestDeadFibersAreExcluded(t *testing.T) {
	fx := protest.NewFiberFixture()
	a := fx.AddFiber(protest.FiberSpec{ID: 1, State: protest.StateDead, Rip: 0x400100})
	b := fx.AddFiber(protest.FiberSpec{ID: 2, State: protest.StateWaiting, Rip: 0x400200})
	fx.SetRegistry([]uint64{0, a.Candidate, b.Candidate, 0})

	s := NewSession(fx.Target, DefaultOptions())
	slots := -1
	fibers, err := s.Fibers(func(n int) { slots = n })
	if err != nil {
		t.Fatal(err)
	}
	if slots != 4 {
		t.Errorf("expected progress with 4 slots got %d", slots)
	}
	assertIDs(t, fibers, 2)
	f := fibers[0]
	if f.StackTop != b.ControlBlock || f.StackBottom != b.StackBottom() {
		t.Errorf("expected stack [%#x, %#x] got [%#x, %#x]", b.StackBottom(), b.ControlBlock, f.StackBottom, f.StackTop)
	}
	if f.State != Waiting {
		t.Errorf("expected state Waiting got %v", f.State)
	}
	if f.Context.Rip != 0x400200 || f.Context.Rbp != b.Rbp || f.Context.Rsp != b.SaveArea+0x40 {
		t.Errorf("unexpected context %+v", f.Context)
	}
	if f.Running() {
		t.Error("fiber should not be running")
	}
}

func TestRunningFiberUsesThreadContext(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 1, State: protest.StateWaiting, Rip: 0x400100})
	b := fx.AddFiber(protest.FiberSpec{ID: 2, State: protest.StateRunning, Rip: 0x400200})
	fx.RegisterAll()
	live := fx.RunOnThread(101, b, 0x400abc, b.Rbp)

	s := NewSession(fx.Target, DefaultOptions())
	fibers, err := s.Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 1, 2)
	if fibers[0].Running() || fibers[0].Context.Rip != 0x400100 {
		t.Errorf("fiber 1 should keep its saved context, got %+v", fibers[0].Context)
	}
	got := fibers[1]
	if got.Context.Rip != live.Rip || got.Context.Rbp != live.Rbp || got.Context.Rsp != live.Rsp {
		t.Errorf("expected live context %+v got %+v", live, got.Context)
	}
	if got.ThreadID != 101 {
		t.Errorf("expected thread 101 got %d", got.ThreadID)
	}
	if got.Saved.Rip != 0x400200 {
		t.Errorf("saved context should be preserved, got %+v", got.Saved)
	}
	if RunningFiber(fibers, 101) != got || RunningFiber(fibers, 7) != nil {
		t.Error("RunningFiber returned the wrong fiber")
	}
}

func TestCoreFileIgnoresThreads(t *testing.T) {
	fx := protest.NewFiberFixture()
	b := fx.AddFiber(protest.FiberSpec{ID: 2, State: protest.StateRunning, Rip: 0x400200})
	fx.RegisterAll()
	fx.RunOnThread(101, b, 0x400abc, b.Rbp)
	fx.Target.SetRecorded(true)

	fibers, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 2)
	if fibers[0].Running() || fibers[0].Context.Rip != 0x400200 {
		t.Errorf("expected saved context, got %+v", fibers[0].Context)
	}
}

func TestStackStartsAtSavedInstructionPointer(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 1, Rip: 0xDEADBEEF, Returns: []uint64{0x401000, 0x402000}})
	fx.RegisterAll()

	s := NewSession(fx.Target, DefaultOptions())
	fibers, err := s.Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 1)
	stack := s.Stack(fibers[0])
	want := []uint64{0xDEADBEEF, 0x401000, 0x402000}
	if !stack.Equal(proc.CallStack{PCs: want}) {
		t.Fatalf("expected stack %#x got %#x", want, stack.PCs)
	}
}

func TestFirstFrameIsVerbatimEvenIfChainIsBroken(t *testing.T) {
	fx := protest.NewFiberFixture()
	f := fx.AddFiber(protest.FiberSpec{ID: 1, Rip: 0xDEADBEEF})
	fx.RegisterAll()
	// Saved frame pointer into unmapped memory.
	fx.Target.PutUint64(f.SaveArea+0x30, 0x20)

	s := NewSession(fx.Target, DefaultOptions())
	fibers, err := s.Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	stack := s.Stack(fibers[0])
	if len(stack.PCs) != 2 || stack.PCs[0] != 0xDEADBEEF || !stack.Corrupted() {
		t.Fatalf("unexpected stack %#x", stack.PCs)
	}
}

func TestStackDepthIsBounded(t *testing.T) {
	fx := protest.NewFiberFixture()
	returns := make([]uint64, 150)
	for i := range returns {
		returns[i] = 0x401000 + uint64(i)
	}
	fx.AddFiber(protest.FiberSpec{ID: 1, Rip: 0x400000, Returns: returns})
	fx.RegisterAll()

	for _, depth := range []int{0, 10} {
		opts := DefaultOptions()
		opts.MaxStackDepth = depth
		s := NewSession(fx.Target, opts)
		fibers, err := s.Fibers(nil)
		if err != nil {
			t.Fatal(err)
		}
		stack := s.Stack(fibers[0])
		want := depth
		if want == 0 {
			want = proc.DefaultMaxStackDepth
		}
		if len(stack.PCs) != want || !stack.Truncated {
			t.Fatalf("depth %d: expected %d truncated frames got %d (truncated %v)", depth, want, len(stack.PCs), stack.Truncated)
		}
	}
}

func TestUnreadableCandidatesAreSkipped(t *testing.T) {
	fx := protest.NewFiberFixture()
	a := fx.AddFiber(protest.FiberSpec{ID: 1})
	b := fx.AddFiber(protest.FiberSpec{ID: 2})
	fx.SetRegistry([]uint64{0x1000, a.Candidate, 0x100, b.Candidate})

	fibers, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 1, 2)
}

func TestUnreadableSaveAreaGivesZeroContext(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 1, UnmapSaveArea: true})
	fx.RegisterAll()

	fibers, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 1)
	if fibers[0].Context != (proc.Context{}) {
		t.Fatalf("expected zero context got %+v", fibers[0].Context)
	}
}

func TestMasterFiberIsExcluded(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 1, Master: true})
	fx.AddFiber(protest.FiberSpec{ID: 2})
	fx.RegisterAll()

	fibers, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 2)
	for _, f := range fibers {
		if f.StackBottom >= f.StackTop {
			t.Fatalf("fiber %d has an empty stack", f.ID)
		}
	}
}

func TestMissingDebugInfo(t *testing.T) {
	t.Run("layout", func(t *testing.T) {
		fx := protest.NewFiberFixture()
		delete(fx.Target.Info().Offsets, protest.EntityType+".stack_size")
		fx.SetRegistry(nil)

		_, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
		var serr *SymbolsUnavailableError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SymbolsUnavailableError got %v", err)
		}
		if !errors.Is(err, proc.ErrNoSymbol) {
			t.Fatalf("expected the cause to be preserved, got %v", err)
		}
	})
	t.Run("registry", func(t *testing.T) {
		fx := protest.NewFiberFixture()
		delete(fx.Target.Info().Symbols, protest.RegistrySymbol)

		_, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
		var serr *SymbolsUnavailableError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SymbolsUnavailableError got %v", err)
		}
	})
	t.Run("outside reserved area", func(t *testing.T) {
		fx := protest.NewFiberFixture()
		fx.Target.Info().Offsets[protest.EntityType+".state"] = 510
		fx.AddFiber(protest.FiberSpec{ID: 1})
		fx.RegisterAll()

		_, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
		var serr *SymbolsUnavailableError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SymbolsUnavailableError got %v", err)
		}
	})
}

func TestLayoutIsResolvedOnce(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 1})
	fx.AddFiber(protest.FiberSpec{ID: 2})
	fx.RegisterAll()

	s := NewSession(fx.Target, DefaultOptions())
	for i := 0; i < 3; i++ {
		if _, err := s.Fibers(nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := fx.Target.Info().OffsetLookups; n != 4 {
		t.Fatalf("expected 4 field lookups got %d", n)
	}
}

func TestFibersAreDecodedOnEveryCall(t *testing.T) {
	fx := protest.NewFiberFixture()
	f := fx.AddFiber(protest.FiberSpec{ID: 1, State: protest.StateWaiting})
	fx.RegisterAll()

	s := NewSession(fx.Target, DefaultOptions())
	fibers, err := s.Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers, 1)

	fx.Target.PutUint32(f.ControlBlock+protest.OffsetState, protest.StateDead)
	fibers, err = s.Fibers(nil)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, fibers)
}

func TestFiberByID(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.AddFiber(protest.FiberSpec{ID: 7})
	fx.RegisterAll()

	s := NewSession(fx.Target, DefaultOptions())
	f, err := s.Fiber(7)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != 7 {
		t.Fatalf("expected fiber 7 got %d", f.ID)
	}
	if _, err := s.Fiber(8); !errors.Is(err, ErrFiberNotFound) {
		t.Fatalf("expected ErrFiberNotFound got %v", err)
	}
}

func TestMidSwitch(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.Target.Info().Functions[0x400000] = "main"
	fx.Target.Info().Functions[0x500000] = "jump_context"
	fx.Target.Info().Functions[0x500100] = "make_context"
	fx.AddFiber(protest.FiberSpec{ID: 1})
	fx.RegisterAll()

	s := NewSession(fx.Target, DefaultOptions())
	tests := []struct {
		pcs  []uint64
		want bool
	}{
		{[]uint64{0x500010, 0x400010}, true},
		{[]uint64{0x400010, 0x500010}, false},
		{[]uint64{0x500110}, false},
		{[]uint64{proc.InvalidPC}, false},
		{nil, false},
	}
	for _, tc := range tests {
		if got := s.MidSwitch(proc.CallStack{PCs: tc.pcs}); got != tc.want {
			t.Errorf("%#x: expected %v got %v", tc.pcs, tc.want, got)
		}
	}
}

func TestCorruptedRegistry(t *testing.T) {
	fx := protest.NewFiberFixture()
	fx.SetRegistry(nil)
	fx.Target.PutUint64(protest.RegistryAddr+8, maxRegistrySlots+1)

	_, err := NewSession(fx.Target, DefaultOptions()).Fibers(nil)
	if !errors.Is(err, ErrCorruptedRegistry) {
		t.Fatalf("expected ErrCorruptedRegistry got %v", err)
	}
}

func TestReservedSizeTooLarge(t *testing.T) {
	fx := protest.NewFiberFixture()
	a := fx.AddFiber(protest.FiberSpec{ID: 1, State: protest.StateWaiting, Rip: 0x400100})
	fx.RegisterAll()

	opts := DefaultOptions()
	opts.ReservedSize = 1 << 46
	_, err := NewSession(fx.Target, opts).Fibers(nil)
	if !errors.Is(err, ErrReservedSizeTooLarge) {
		t.Fatalf("expected ErrReservedSizeTooLarge got %v", err)
	}
	if _, err := NewDecoder(fx.Target, NewLayoutResolver(fx.Target.DebugInfo(), opts.EntityType), opts).Decode(a.Candidate); !errors.Is(err, ErrReservedSizeTooLarge) {
		t.Fatalf("expected ErrReservedSizeTooLarge from Decode got %v", err)
	}

	opts.ReservedSize = MaxReservedSize
	if err := opts.check(); err != nil {
		t.Fatalf("largest reservation rejected: %v", err)
	}
}
