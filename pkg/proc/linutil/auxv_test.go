package linutil

import (
	"encoding/binary"
	"testing"
)

func makeAuxv(pairs ...uint64) []byte {
	buf := make([]byte, 8*len(pairs))
	for i, v := range pairs {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func TestEntryPointFromAuxv(t *testing.T) {
	tests := []struct {
		name string
		auxv []byte
		want uint64
	}{
		{"entry", makeAuxv(_AT_PAGESZ, 4096, _AT_ENTRY, 0x555555554000, _AT_NULL, 0), 0x555555554000},
		{"after null", makeAuxv(_AT_PAGESZ, 4096, _AT_NULL, 0, _AT_ENTRY, 0x1000), 0},
		{"truncated", makeAuxv(_AT_ENTRY, 0x1000, _AT_BASE)[:20], 0x1000},
		{"empty", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := EntryPointFromAuxv(tc.auxv); got != tc.want {
				t.Errorf("expected %#x got %#x", tc.want, got)
			}
		})
	}
}

func TestParseAuxvTruncated(t *testing.T) {
	a, err := ParseAuxv(makeAuxv(_AT_PAGESZ, 4096, _AT_PHDR)[:20])
	if err == nil {
		t.Fatal("expected an error for a truncated vector")
	}
	if a.PageSize() != 4096 {
		t.Errorf("expected page size 4096 got %d", a.PageSize())
	}
}
