package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var plan = false
var control = false
var debugger = false
var terminal = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Plan returns true if the thread plan machinery should log the stops
// plans observe.
func Plan() bool {
	return plan
}

// PlanLogger returns a logger for the thread plan tracer.
func PlanLogger() Logger {
	return makeFlaggableLogger(plan, Fields{"layer": "proc", "kind": "plan"})
}

// Control returns true if the target control loop should log.
func Control() bool {
	return control
}

// ControlLogger returns a logger for the target stop/resume cycle.
func ControlLogger() Logger {
	return makeFlaggableLogger(control, Fields{"layer": "proc", "kind": "control"})
}

// Debugger returns true if the debugger service should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger service.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Terminal returns true if the terminal front end should log command
// dispatch.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal front end.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr. logDest,
// if not empty, is either a file descriptor number or a file path that
// log output is redirected to.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "spelunk-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "plan":
			plan = true
		case "control":
			control = true
		case "debugger":
			debugger = true
		case "terminal":
			terminal = true
		}
	}
	return nil
}

// Close closes the file log output was redirected to, if any.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
