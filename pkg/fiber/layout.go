package fiber

import (
	"fmt"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// Fields of the control block.
const (
	fieldID        = "debugging_fiber_id"
	fieldState     = "state"
	fieldSaveArea  = "state_save_area"
	fieldStackSize = "stack_size"
)

// SymbolsUnavailableError is returned when the debug information needed to
// decode fibers is missing. No fiber can be decoded without it.
type SymbolsUnavailableError struct {
	// What could not be resolved.
	What string
	Err  error
}

func (e *SymbolsUnavailableError) Error() string {
	return fmt.Sprintf("Cannot resolve %s. Do you have debugging symbols available? (%v)", e.What, e.Err)
}

func (e *SymbolsUnavailableError) Unwrap() error {
	return e.Err
}

// LayoutResolver resolves the offsets of the control block fields. Offsets
// are cached for the lifetime of the resolver.
type LayoutResolver struct {
	types      proc.TypeInfo
	structName string
	cache      map[string]int64
}

// NewLayoutResolver returns a resolver for the fields of structName.
func NewLayoutResolver(types proc.TypeInfo, structName string) *LayoutResolver {
	return &LayoutResolver{types: types, structName: structName, cache: make(map[string]int64)}
}

// Offset returns the offset of field inside the control block.
func (l *LayoutResolver) Offset(field string) (int64, error) {
	if off, ok := l.cache[field]; ok {
		return off, nil
	}
	off, err := l.types.FieldOffset(l.structName, field)
	if err != nil {
		return 0, &SymbolsUnavailableError{What: fmt.Sprintf("`%s`'s field [%s]", l.structName, field), Err: err}
	}
	l.cache[field] = off
	return off, nil
}

// entityLayout is the resolved layout of the control block.
type entityLayout struct {
	id, state, saveArea, stackSize int64
}

// resolve resolves every field and checks that each one fits in the first
// size bytes of the control block.
func (l *LayoutResolver) resolve(size uint64) (entityLayout, error) {
	var lay entityLayout
	fields := []struct {
		name  string
		width int64
		dst   *int64
	}{
		{fieldID, 8, &lay.id},
		{fieldState, 4, &lay.state},
		{fieldSaveArea, 8, &lay.saveArea},
		{fieldStackSize, 8, &lay.stackSize},
	}
	for _, f := range fields {
		off, err := l.Offset(f.name)
		if err != nil {
			return entityLayout{}, err
		}
		if off < 0 || uint64(off+f.width) > size {
			return entityLayout{}, &SymbolsUnavailableError{
				What: fmt.Sprintf("`%s`'s field [%s]", l.structName, f.name),
				Err:  fmt.Errorf("offset %d is outside of the %d bytes reserved for the control block", off, size),
			}
		}
		*f.dst = off
	}
	return lay, nil
}
