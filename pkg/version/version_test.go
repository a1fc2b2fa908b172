package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-rc1\n") {
		t.Fatalf("unexpected version string %q", s)
	}
	if !strings.HasSuffix(s, "Build: abcdef") {
		t.Fatalf("build not preserved: %q", s)
	}
}

func TestFormatBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/fiberdbg/fiberdbg", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/spf13/cobra", Version: "v1.1.3"},
			{Path: "golang.org/x/sys", Version: "v0.1.0", Replace: &debug.Module{Path: "../sys", Version: ""}},
		},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef"},
			{Key: "GOOS", Value: "linux"},
		},
	}
	lines := strings.Split(strings.TrimSuffix(formatBuildInfo(info), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines got %d: %q", len(lines), lines)
	}
	for i, want := range [][]string{
		{"mod", "github.com/fiberdbg/fiberdbg", "(devel)"},
		{"dep", "github.com/spf13/cobra", "v1.1.3"},
		{"dep", "golang.org/x/sys", "=>", "../sys"},
		{"build", "vcs.revision", "abcdef"},
	} {
		if got := strings.Fields(lines[i]); strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("line %d: expected %q got %q", i, want, got)
		}
	}
}
