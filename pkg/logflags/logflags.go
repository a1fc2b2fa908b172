// Package logflags configures the per-subsystem loggers used by fiberdbg.
// Every subsystem logs through its own logrus entry; entries of disabled
// subsystems only let errors through.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var fibers = false
var memory = false
var symbols = false
var unwind = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Fibers returns true if the fiber decoder and reconciler should log.
func Fibers() bool {
	return fibers
}

// FibersLogger returns a logger for the fiber package.
func FibersLogger() Logger {
	return makeLogger(fibers, Fields{"layer": "fiber"})
}

// Memory returns true if the memory backends (core and native) should log.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory backends.
func MemoryLogger() Logger {
	return makeLogger(memory, Fields{"layer": "proc"})
}

// Symbols returns true if symbol and layout resolution should log.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for symbol and type layout lookups.
func SymbolsLogger() Logger {
	return makeLogger(symbols, Fields{"layer": "proc", "kind": "symbols"})
}

// Unwind returns true if the stack unwinder should log.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the stack unwinder.
func UnwindLogger() Logger {
	return makeLogger(unwind, Fields{"layer": "proc", "kind": "unwind"})
}

// WriteError writes an error message to the log output, regardless of
// which subsystems are enabled.
func WriteError(msg string) {
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "fiberdbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "fibers"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "fibers":
			fibers = true
		case "memory":
			memory = true
		case "symbols":
			symbols = true
		case "unwind":
			unwind = true
		case "":
			// nothing to do
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// DefaultFormatter provides a default formatter for the logger instances
// created by this package.
func DefaultFormatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
}
