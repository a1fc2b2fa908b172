package fiber

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// MidSwitchWarning is shown below the stack of a fiber caught in the middle
// of a context switch.
const MidSwitchWarning = "Warning: The fiber is being swapped in / out, the call stack shown here can be wrong."

// ErrFiberNotFound is returned by Session.Fiber for unknown ids.
var ErrFiberNotFound = errors.New("fiber not found")

// Session inspects the fibers of one target. The registry address and the
// control block layout are resolved once; fibers themselves are decoded
// again on every call.
type Session struct {
	target  proc.Target
	opts    Options
	layout  *LayoutResolver
	decoder *Decoder

	registryAddr uint64
	registryErr  error

	logger logflags.Logger
}

// NewSession starts inspecting t.
func NewSession(t proc.Target, opts Options) *Session {
	opts = opts.withDefaults()
	info := t.DebugInfo()
	s := &Session{
		target: t,
		opts:   opts,
		layout: NewLayoutResolver(info, opts.EntityType),
		logger: logflags.FibersLogger(),
	}
	s.decoder = NewDecoder(t, s.layout, opts)
	s.registryAddr, s.registryErr = info.LookupSym(opts.RegistrySymbol)
	if s.registryErr != nil {
		s.registryErr = &SymbolsUnavailableError{What: fmt.Sprintf("`%s`", opts.RegistrySymbol), Err: s.registryErr}
	} else {
		s.logger.Debugf("stack registry at %#x", s.registryAddr)
	}
	return s
}

// Target returns the inspected target.
func (s *Session) Target() proc.Target {
	return s.target
}

// Options returns the options of the session.
func (s *Session) Options() Options {
	return s.opts
}

// Fibers returns every live fiber, in registry order. progress, if not
// nil, is called with the number of registry slots before they are
// examined. Unreadable control blocks are skipped; the call fails only if
// debug information is missing or the registry itself can not be read.
func (s *Session) Fibers(progress func(slots int)) ([]*Fiber, error) {
	if s.registryErr != nil {
		return nil, s.registryErr
	}
	if err := s.decoder.CheckLayout(); err != nil {
		return nil, err
	}
	threads, err := s.target.ThreadContexts()
	if err != nil {
		s.logger.Warnf("could not read thread contexts, running fibers will show their saved context: %v", err)
	}
	reg, err := ReadRegistry(s.target, s.registryAddr)
	if err != nil {
		return nil, err
	}
	candidates, err := reg.Candidates(s.target)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(int(reg.Count))
	}
	var fibers []*Fiber
	for _, c := range candidates {
		f, err := s.decoder.Decode(c)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		Reconcile(f, threads)
		fibers = append(fibers, f)
	}
	if logflags.Fibers() {
		s.logger.Debugf("%d slots, %d candidates, %d fibers", reg.Count, len(candidates), len(fibers))
		for _, f := range fibers {
			s.logger.Debugf("fiber %d: state %v, stack [%#x, %#x], thread %d", f.ID, f.State, f.StackBottom, f.StackTop, f.ThreadID)
		}
	}
	return fibers, nil
}

// Fiber returns the fiber with the given id.
func (s *Session) Fiber(id uint64) (*Fiber, error) {
	fibers, err := s.Fibers(nil)
	if err != nil {
		return nil, err
	}
	for _, f := range fibers {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrFiberNotFound, id)
}

// Stack unwinds the stack of f from its current context.
func (s *Session) Stack(f *Fiber) proc.CallStack {
	return proc.Unwind(s.target, f.Context.Rip, f.Context.Rbp, s.opts.MaxStackDepth)
}

// Stacks unwinds the stacks of fibers.
func (s *Session) Stacks(fibers []*Fiber) []proc.CallStack {
	stacks := make([]proc.CallStack, len(fibers))
	for i, f := range fibers {
		stacks[i] = s.Stack(f)
	}
	return stacks
}

// MidSwitch returns true if stack stops inside the context switch routine.
// Such a stack may mix the registers of two fibers.
func (s *Session) MidSwitch(stack proc.CallStack) bool {
	if len(stack.PCs) == 0 || stack.PCs[0] == proc.InvalidPC {
		return false
	}
	return strings.Contains(s.target.DebugInfo().FunctionName(stack.PCs[0]), s.opts.SwitchRoutine)
}

// Describe describes pc.
func (s *Session) Describe(pc uint64) string {
	return s.target.DebugInfo().Describe(pc)
}

// RunningFiber returns the fiber running on thread, nil if none.
func RunningFiber(fibers []*Fiber, thread int) *Fiber {
	for _, f := range fibers {
		if f.ThreadID == thread {
			return f
		}
	}
	return nil
}
