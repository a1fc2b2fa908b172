package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiYellow = 33
	ansiCyan   = 36
)

// isDumb returns true if the output should not contain escape codes:
// TERM is "dumb" or stdout is not a terminal.
func isDumb() bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(os.Stdout.Fd())
}

// getColorableWriter returns a writer that is capable of interpreting
// ANSI escape codes for terminal colors.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
