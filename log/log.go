package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level is the log verbosity threshold. Messages above the current level
// are discarded.
type Level uint8

const (
	LevelFatal Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	currentLevel  = LevelInfo
	defaultLogger = logrus.New()
)

func init() {
	defaultLogger.SetOutput(os.Stderr)
	defaultLogger.SetLevel(logrus.TraceLevel)
	defaultLogger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	})
}

// SetLevel sets the verbosity threshold for the process.
func SetLevel(l Level) {
	currentLevel = l
}

// SetLevelString sets the level from its textual name. Unknown names keep
// the current level.
func SetLevelString(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		SetLevel(LevelFatal)
	case "error":
		SetLevel(LevelError)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "info":
		SetLevel(LevelInfo)
	case "debug":
		SetLevel(LevelDebug)
	case "trace":
		SetLevel(LevelTrace)
	}
}

// CurrentLevel returns the active verbosity threshold.
func CurrentLevel() Level {
	return currentLevel
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

// Fatal logs the message and exits the process with status 1.
func Fatal(args ...interface{}) {
	log(LevelFatal, args...)
	os.Exit(1)
}

func Error(args ...interface{}) {
	log(LevelError, args...)
}

func Warn(args ...interface{}) {
	log(LevelWarn, args...)
}

func Info(args ...interface{}) {
	log(LevelInfo, args...)
}

func Debug(args ...interface{}) {
	log(LevelDebug, args...)
}

func Trace(args ...interface{}) {
	log(LevelTrace, args...)
}

// log accepts an optional leading context.Context, a message, and then
// alternating key/value pairs. A bare error argument is stored under the
// "error" key.
func log(level Level, args ...interface{}) {
	if level > currentLevel {
		return
	}
	if len(args) == 0 {
		return
	}
	if _, ok := args[0].(context.Context); ok {
		args = args[1:]
		if len(args) == 0 {
			return
		}
	}
	msg := fmt.Sprint(args[0])
	fields := logrus.Fields{}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		if err, ok := rest[i].(error); ok {
			fields["error"] = err.Error()
			continue
		}
		if i+1 < len(rest) {
			fields[fmt.Sprint(rest[i])] = rest[i+1]
			i++
		} else {
			fields[fmt.Sprint(rest[i])] = ""
		}
	}
	entry := defaultLogger.WithFields(fields)
	switch level {
	case LevelFatal, LevelError:
		entry.Error(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelDebug:
		entry.Debug(msg)
	case LevelTrace:
		entry.Trace(msg)
	}
}
