// Package logflags configures the loggers used by the unwinder packages.
// Each layer has its own logger, enabled by name through Setup.
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

var pdr = false
var unwind = false
var symtab = false

var logOut io.WriteCloser

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Level = level
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	}
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

// PDR returns true if loading and sorting of .pdr sections should be
// logged.
func PDR() bool {
	return pdr
}

// PDRLogger returns a logger for the pdr package.
func PDRLogger() Logger {
	return makeFlaggableLogger(pdr, Fields{"layer": "pdr"})
}

// Unwind returns true if the decisions of the frame unwinders should be
// logged.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the frame unwinders.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "proc", "kind": "unwind"})
}

// Symtab returns true if image and symbol loading should be logged.
func Symtab() bool {
	return symtab
}

// SymtabLogger returns a logger for image and symbol loading.
func SymtabLogger() Logger {
	return makeFlaggableLogger(symtab, Fields{"layer": "proc", "kind": "symtab"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	pdr, unwind, symtab = false, false, false
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "pdrwalk-logs")
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
	if logstr == "" {
		logstr = "unwind"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "pdr":
			pdr = true
		case "unwind":
			unwind = true
		case "symtab":
			symtab = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, valid values are pdr, unwind and symtab.\n", logcmd)
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
