//go:build linux && amd64

package native

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	sys "golang.org/x/sys/unix"

	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
	"github.com/fiberdbg/fiberdbg/pkg/proc/linutil"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
type Process struct {
	pid int // Process Pid

	// Attached threads, sorted.
	threads []int

	bi       *proc.BinaryInfo
	segments []proc.Segment

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	detached bool
	logger   logflags.Logger
}

var _ proc.Target = &Process{}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		logger:         logflags.MemoryLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Attach to an existing process with the given PID. All of its threads are
// stopped until Detach is called. If exePath is empty the executable is
// found through /proc.
func Attach(pid int, exePath string) (*Process, error) {
	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.stopPtraceFuncs()
		return nil, fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	if _, _, err = dbp.wait(dbp.pid); err != nil {
		dbp.stopPtraceFuncs()
		return nil, err
	}
	dbp.threads = []int{dbp.pid}

	if err := dbp.initialize(findExecutable(exePath, pid)); err != nil {
		_ = dbp.Detach()
		return nil, err
	}
	return dbp, nil
}

func (dbp *Process) initialize(exePath string) error {
	if err := dbp.updateThreadList(); err != nil {
		return err
	}
	var entryPoint uint64
	if auxv, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", dbp.pid)); err == nil {
		entryPoint = linutil.EntryPointFromAuxv(auxv)
	} else {
		dbp.logger.Warnf("could not read auxiliary vector: %v", err)
	}
	bi, err := proc.LoadBinaryInfo(exePath, entryPoint)
	if err != nil {
		return err
	}
	dbp.bi = bi
	segs, err := dbp.readSegments()
	if err != nil {
		dbp.logger.Warnf("could not read memory map: %v", err)
	}
	dbp.segments = segs
	bi.SetSegments(segs)
	dbp.logger.Debugf("attached to %d: %d threads, %d segments", dbp.pid, len(dbp.threads), len(segs))
	return nil
}

// updateThreadList attaches to every thread of the process that is not
// traced yet.
func (dbp *Process) updateThreadList() error {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", dbp.pid))
	for _, tidpath := range tids {
		tidstr := filepath.Base(tidpath)
		tid, err := strconv.Atoi(tidstr)
		if err != nil {
			return err
		}
		if dbp.traced(tid) {
			continue
		}
		dbp.execPtraceFunc(func() { err = ptraceAttach(tid) })
		if err == sys.ESRCH {
			// The thread exited in the meantime.
			continue
		}
		if err != nil {
			return fmt.Errorf("could not attach to thread %d: %v", tid, err)
		}
		if _, _, err := dbp.wait(tid); err != nil {
			return err
		}
		dbp.threads = append(dbp.threads, tid)
	}
	sort.Ints(dbp.threads)
	return nil
}

func (dbp *Process) traced(tid int) bool {
	for _, t := range dbp.threads {
		if t == tid {
			return true
		}
	}
	return false
}

func findExecutable(path string, pid int) string {
	if path == "" {
		path = fmt.Sprintf("/proc/%d/exe", pid)
	}
	return path
}

func (dbp *Process) wait(pid int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return wpid, &s, err
}

// readSegments parses /proc/<pid>/maps.
func (dbp *Process) readSegments() ([]proc.Segment, error) {
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return nil, err
	}
	p, err := fs.Proc(dbp.pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, err
	}
	segs := make([]proc.Segment, 0, len(maps))
	for _, m := range maps {
		seg := proc.Segment{Start: uint64(m.StartAddr), End: uint64(m.EndAddr), File: m.Pathname}
		if strings.HasPrefix(seg.File, "[stack:") {
			seg.File = ""
		}
		segs = append(segs, seg)
	}
	proc.SortSegments(segs)
	if logflags.Memory() {
		for _, seg := range segs {
			dbp.logger.Debugf("segment %#x-%#x %s", seg.Start, seg.End, seg.File)
		}
	}
	return segs, nil
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// ReadMemory reads the memory of the process. process_vm_readv is tried
// first, PTRACE_PEEKDATA is used if it is not available.
func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if dbp.detached {
		return 0, proc.ErrProcessDetached
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(dbp.pid, uintptr(addr), buf)
	if err == sys.ENOSYS || err == sys.EPERM {
		dbp.execPtraceFunc(func() { n, err = ptracePeekData(dbp.pid, uintptr(addr), buf) })
	}
	if err != nil {
		return n, &proc.UnreadableError{Addr: addr, Len: len(buf), Err: err}
	}
	return n, nil
}

// Segments returns the memory map of the process, as read when attaching.
func (dbp *Process) Segments() ([]proc.Segment, error) {
	return dbp.segments, nil
}

// Threads returns the register context of every thread.
func (dbp *Process) Threads() ([]proc.ThreadContext, error) {
	if dbp.detached {
		return nil, proc.ErrProcessDetached
	}
	ctxs := make([]proc.ThreadContext, 0, len(dbp.threads))
	for _, tid := range dbp.threads {
		ctx, err := dbp.threadContext(tid)
		if err != nil {
			dbp.logger.Warnf("thread %d: %v", tid, err)
			continue
		}
		ctxs = append(ctxs, proc.ThreadContext{ID: tid, Context: ctx})
	}
	return ctxs, nil
}

// ThreadContexts returns the register context of every thread: all threads
// of a live process may be running a fiber.
func (dbp *Process) ThreadContexts() ([]proc.ThreadContext, error) {
	return dbp.Threads()
}

// Recorded always returns false for the native proc backend.
func (dbp *Process) Recorded() bool { return false }

// DebugInfo returns the debug information of the executable.
func (dbp *Process) DebugInfo() proc.DebugInfo {
	return dbp.bi
}

// Detach from the process, letting it run again.
func (dbp *Process) Detach() error {
	if dbp.detached {
		return proc.ErrProcessDetached
	}
	var firstErr error
	for _, tid := range dbp.threads {
		var err error
		dbp.execPtraceFunc(func() { err = ptraceDetach(tid, 0) })
		if err != nil && err != sys.ESRCH && firstErr == nil {
			firstErr = fmt.Errorf("could not detach from thread %d: %v", tid, err)
		}
	}
	dbp.detached = true
	dbp.stopPtraceFuncs()
	if dbp.bi != nil {
		dbp.bi.Close()
	}
	return firstErr
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) stopPtraceFuncs() {
	close(dbp.ptraceChan)
}
