package fiber

import (
	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// Reconcile replaces the context of f with the context of the thread
// running it, if any. A thread runs f if its stack pointer is inside the
// stack of f; the first such thread wins. Calling Reconcile again with the
// same threads gives the same result.
func Reconcile(f *Fiber, threads []proc.ThreadContext) {
	f.Context = f.Saved
	f.ThreadID = 0
	f.ConflictingThreads = nil
	for _, th := range threads {
		if !f.ContainsSP(th.Rsp) {
			continue
		}
		if f.ThreadID == 0 {
			f.ThreadID = th.ID
			f.Context = th.Context
			continue
		}
		f.ConflictingThreads = append(f.ConflictingThreads, th.ID)
	}
	if len(f.ConflictingThreads) > 0 {
		logflags.FibersLogger().Warnf("fiber %d: stack [%#x, %#x] used by threads %d and %v, using %d",
			f.ID, f.StackBottom, f.StackTop, f.ThreadID, f.ConflictingThreads, f.ThreadID)
	}
}
