package fiber

import (
	"encoding/binary"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

// Group is a set of fibers sharing the same call stack.
type Group struct {
	Stack  proc.CallStack
	Fibers []*Fiber
}

// IDs returns the ids of the fibers of the group.
func (g *Group) IDs() []uint64 {
	ids := make([]uint64, len(g.Fibers))
	for i, f := range g.Fibers {
		ids[i] = f.ID
	}
	return ids
}

// GroupByStack groups fibers by call stack; stacks[i] is the stack of
// fibers[i]. Two fibers are grouped only if their stacks have exactly the
// same addresses. Groups are returned in the order their first fiber
// appears.
func GroupByStack(fibers []*Fiber, stacks []proc.CallStack) []*Group {
	var groups []*Group
	index := make(map[string]*Group)
	for i, f := range fibers {
		key := stackKey(stacks[i])
		g, ok := index[key]
		if !ok {
			g = &Group{Stack: stacks[i]}
			index[key] = g
			groups = append(groups, g)
		}
		g.Fibers = append(g.Fibers, f)
	}
	return groups
}

func stackKey(s proc.CallStack) string {
	buf := make([]byte, 1+8*len(s.PCs))
	if s.Truncated {
		buf[0] = 1
	}
	for i, pc := range s.PCs {
		binary.LittleEndian.PutUint64(buf[1+8*i:], pc)
	}
	return string(buf)
}
