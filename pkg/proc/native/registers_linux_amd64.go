//go:build linux && amd64

package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
	"github.com/fiberdbg/fiberdbg/pkg/proc/linutil"
)

// threadContext reads the registers of thread tid.
func (dbp *Process) threadContext(tid int) (proc.Context, error) {
	var (
		regs linutil.AMD64PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(&regs)) })
	if err != nil {
		return proc.Context{}, err
	}
	fpregs, err := dbp.fpRegisters(tid)
	if err != nil {
		dbp.logger.Debugf("thread %d: %v", tid, err)
		return proc.ContextFromRegisters(&regs, nil), nil
	}
	return proc.ContextFromRegisters(&regs, fpregs), nil
}

func (dbp *Process) fpRegisters(tid int) (*linutil.AMD64PtraceFpRegs, error) {
	var fpregs linutil.AMD64PtraceFpRegs
	var err error
	dbp.execPtraceFunc(func() { err = ptraceGetFpRegs(tid, &fpregs) })
	if err != nil {
		return nil, fmt.Errorf("could not get floating point registers: %v", err)
	}
	return &fpregs, nil
}

// ptraceGetFpRegs calls ptrace(PTRACE_GETFPREGS).
func ptraceGetFpRegs(tid int, fpregs *linutil.AMD64PtraceFpRegs) error {
	_, _, err := syscall.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(fpregs)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
