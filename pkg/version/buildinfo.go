package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

func init() {
	buildInfo = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "not built in module mode"
		}
		return formatBuildInfo(info)
	}
}

// formatBuildInfo lists the main module, every dependency and the vcs
// settings recorded in info, one per line.
func formatBuildInfo(info *debug.BuildInfo) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		mod := dep
		if dep.Replace != nil {
			mod = dep.Replace
		}
		fmt.Fprintf(w, " dep\t%s\t%s", dep.Path, mod.Version)
		if mod != dep {
			fmt.Fprintf(w, "\t=> %s", mod.Path)
		}
		fmt.Fprintln(w)
	}
	for _, setting := range info.Settings {
		if strings.HasPrefix(setting.Key, "vcs.") {
			fmt.Fprintf(w, " build\t%s\t%s\n", setting.Key, setting.Value)
		}
	}
	w.Flush()
	return sb.String()
}
