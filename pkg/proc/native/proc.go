// Package native attaches to live processes with ptrace(2).
package native

import "errors"

// ErrNativeBackendDisabled is returned by Attach on platforms the native
// backend does not support.
var ErrNativeBackendDisabled = errors.New("native backend disabled, attaching is only supported on linux/amd64")
