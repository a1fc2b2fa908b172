package proc

import "testing"

func TestFindSegment(t *testing.T) {
	segs := []Segment{
		{Start: 0x7000, End: 0x8000},
		{Start: 0x1000, End: 0x2000, File: "/bin/app"},
		{Start: 0x2000, End: 0x3000, File: "/bin/app"},
		{Start: 0x5000, End: 0x6000, File: "/lib/libc.so.6"},
	}
	SortSegments(segs)

	tests := []struct {
		addr  uint64
		found bool
		start uint64
	}{
		{0x0fff, false, 0},
		{0x1000, true, 0x1000},
		{0x1fff, true, 0x1000},
		{0x2000, true, 0x2000},
		{0x4000, false, 0},
		{0x5500, true, 0x5000},
		{0x7fff, true, 0x7000},
		{0x8000, false, 0},
	}
	for _, tc := range tests {
		s, ok := FindSegment(segs, tc.addr)
		if ok != tc.found {
			t.Errorf("%#x: expected found=%v got %v", tc.addr, tc.found, ok)
			continue
		}
		if ok && s.Start != tc.start {
			t.Errorf("%#x: expected segment at %#x got %#x", tc.addr, tc.start, s.Start)
		}
	}
}
