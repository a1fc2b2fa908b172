package terminal

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fiberdbg/fiberdbg/pkg/fiber"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

const moreFramesMessage = "(More frames are not shown ...)"

// loadFibers enumerates the fibers of the target, printing the number of
// registry slots first: classifying them may take a while.
func (t *Term) loadFibers() ([]*fiber.Fiber, error) {
	return t.session.Fibers(func(slots int) {
		fmt.Fprintf(t.stdout, "Found %d stacks in total, checking for fiber aliveness. This may take a while.\n\n", slots)
	})
}

func infoFibers(t *Term) error {
	fibers, err := t.loadFibers()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%4s\t%s\n", "Id", "Frame")
	for _, f := range fibers {
		fmt.Fprintf(t.stdout, "%4d\t%s\n", f.ID, t.session.Describe(f.Context.Rip))
	}
	return nil
}

// printFiber prints the header, the registers and the call stack of f.
func (t *Term) printFiber(f *fiber.Fiber, showInstruction bool) {
	fmt.Fprintln(t.stdout, t.colorize(ansiCyan, fmt.Sprintf("Fiber #%d:", f.ID)))
	if f.Running() {
		fmt.Fprintf(t.stdout, "Running on thread %d\n", f.ThreadID)
		if len(f.ConflictingThreads) > 0 {
			fmt.Fprintln(t.stdout, t.colorize(ansiRed, fmt.Sprintf("Warning: threads %v are also running on the stack of this fiber.", f.ConflictingThreads)))
		}
	}
	ctx := f.Context
	fmt.Fprintf(t.stdout, "RIP 0x%016x RBP 0x%016x RSP 0x%016x\n", ctx.Rip, ctx.Rbp, ctx.Rsp)
	if showInstruction {
		t.printInstruction(ctx.Rip)
	}
	t.printStack(t.session.Stack(f))
}

// printInstruction disassembles the instruction at pc.
func (t *Term) printInstruction(pc uint64) {
	inst, err := proc.DisassembleOne(t.target, pc)
	if err != nil {
		fmt.Fprintf(t.stdout, "=> 0x%016x\t<%v>\n", pc, err)
		return
	}
	text := inst.Text(proc.GNUFlavour, t.target.DebugInfo().FunctionName)
	w := tabwriter.NewWriter(t.stdout, 1, 8, 1, '\t', 0)
	fmt.Fprintf(w, "=>\t0x%016x\t%x\t%s\n", inst.PC, inst.Bytes, text)
	w.Flush()
}

// printStack prints one numbered line per frame of stack, followed by the
// truncation marker and the context switch warning when they apply.
func (t *Term) printStack(stack proc.CallStack) {
	lines := make([]string, 0, len(stack.PCs)+2)
	for i, pc := range stack.PCs {
		lines = append(lines, fmt.Sprintf("#%d %s", i, t.session.Describe(pc)))
	}
	if stack.Truncated {
		lines = append(lines, moreFramesMessage)
	}
	if t.session.MidSwitch(stack) {
		lines = append(lines, t.colorize(ansiYellow, fiber.MidSwitchWarning))
	}
	fmt.Fprintln(t.stdout, strings.Join(lines, "\n"))
}

// groupFibers groups fibers with the same call stack.
func (t *Term) groupFibers(fibers []*fiber.Fiber) []*fiber.Group {
	return fiber.GroupByStack(fibers, t.session.Stacks(fibers))
}
