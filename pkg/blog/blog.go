// Package blog is the logging layer shared by every component: a process-wide
// numeric level over the standard log package, with colored warning and error
// output on the terminal.
package blog

import (
	"log"
	"strings"

	"github.com/fatih/color"
)

// Log levels, lowest to highest verbosity. A message is emitted when its
// level is <= the configured level.
const (
	LevelNone = iota
	LevelError
	LevelWarning
	LevelNotice
	LevelInfo
	LevelDebug
)

var level = LevelNotice

var (
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// SetLevel sets the process-wide log level.
func SetLevel(l int) {
	level = l
}

// Level reports the current process-wide log level.
func Level() int {
	return level
}

func Debugf(format string, parts ...interface{}) {
	if level >= LevelDebug {
		log.Printf(format, parts...)
	}
}

func Infof(format string, parts ...interface{}) {
	if level >= LevelInfo {
		log.Printf(format, parts...)
	}
}

func Noticef(format string, parts ...interface{}) {
	if level >= LevelNotice {
		log.Printf(format, parts...)
	}
}

func Warningf(format string, parts ...interface{}) {
	if level >= LevelWarning {
		if !strings.HasSuffix(format, "\n") {
			format += "\n"
		}
		warningColor.Printf(format, parts...)
	}
}

func Errorf(format string, parts ...interface{}) {
	if level >= LevelError {
		if !strings.HasSuffix(format, "\n") {
			format += "\n"
		}
		errorColor.Printf(format, parts...)
	}
}
