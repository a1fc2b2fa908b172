//go:build !linux || !amd64

package native

import "github.com/fiberdbg/fiberdbg/pkg/proc"

// Attach returns ErrNativeBackendDisabled.
func Attach(pid int, exePath string) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Process is not available on this platform.
type Process struct{}

var _ proc.Target = &Process{}

func (dbp *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) Segments() ([]proc.Segment, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) ThreadContexts() ([]proc.ThreadContext, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Threads() ([]proc.ThreadContext, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Recorded() bool { return false }

func (dbp *Process) DebugInfo() proc.DebugInfo { return nil }

func (dbp *Process) Detach() error {
	return ErrNativeBackendDisabled
}
