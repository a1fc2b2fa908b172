package proc

import "sort"

// Segment is a contiguous mapped range of the target's address space.
type Segment struct {
	Start, End uint64
	// File is the path of the backing file, empty for anonymous memory.
	File string
}

// Contains returns true if addr is inside the segment.
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Start && addr < s.End
}

// Size returns the size of the segment in bytes.
func (s Segment) Size() uint64 {
	return s.End - s.Start
}

// SortSegments sorts segments by start address.
func SortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
}

// FindSegment returns the segment containing addr in a sorted list of
// segments.
func FindSegment(segs []Segment, addr uint64) (Segment, bool) {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].End > addr })
	if i < len(segs) && segs[i].Contains(addr) {
		return segs[i], true
	}
	return Segment{}, false
}
