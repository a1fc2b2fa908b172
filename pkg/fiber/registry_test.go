package fiber

import (
	"errors"
	"testing"

	"github.com/fiberdbg/fiberdbg/pkg/proc"
	protest "github.com/fiberdbg/fiberdbg/pkg/proc/test"
)

func TestRegistryCandidates(t *testing.T) {
	mem := protest.NewFakeTarget()
	mem.Map(0x1000, 16, "")
	mem.Map(0x10000, 8*(registryChunk+10), "")

	// Spans two chunks.
	mem.PutUint64(0x10000+8*5, 0xaaa000)
	mem.PutUint64(0x10000+8*registryChunk, 0xbbb000)
	mem.PutUint64(0x10000+8*(registryChunk+9), 0xccc000)
	mem.PutUint64(0x1000, 0x10000)
	mem.PutUint64(0x1008, registryChunk+10)

	reg, err := ReadRegistry(mem, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Base != 0x10000 || reg.Count != registryChunk+10 {
		t.Fatalf("unexpected registry %+v", reg)
	}
	candidates, err := reg.Candidates(mem)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0xaaa000, 0xbbb000, 0xccc000}
	if len(candidates) != len(want) {
		t.Fatalf("expected %#x got %#x", want, candidates)
	}
	for i := range want {
		if candidates[i] != want[i] {
			t.Fatalf("expected %#x got %#x", want, candidates)
		}
	}
}

func TestRegistryErrors(t *testing.T) {
	mem := protest.NewFakeTarget()
	mem.Map(0x10000, 64, "")

	if _, err := ReadRegistry(mem, 0x2000); !proc.IsUnreadable(err) {
		t.Errorf("expected unreadable error got %v", err)
	}
	tests := []struct {
		name    string
		reg     Registry
		corrupt bool
	}{
		{"too many slots", Registry{Base: 0x10000, Count: maxRegistrySlots + 1}, true},
		{"null base", Registry{Base: 0, Count: 3}, true},
		{"slots unreadable", Registry{Base: 0x10000, Count: 9}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.reg.Candidates(mem)
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, ErrCorruptedRegistry) != tc.corrupt {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
	if c, err := (Registry{}).Candidates(mem); err != nil || len(c) != 0 {
		t.Errorf("empty registry: expected no candidates, got %v, %v", c, err)
	}
}
