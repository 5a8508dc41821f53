// Package logger is the process-wide diagnostic log. Output goes to a
// file, never to the terminal: the chat surface belongs to the event
// stream, and interleaved log lines would corrupt raw-mode rendering.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Logger writes tab-separated lines with a trailing JSON context blob.
type Logger struct {
	Level   Level
	Writer  io.Writer
	Prefix  string
	Service string
}

var globalLogger *Logger

// Init wires the global logger to logPath. A sink that cannot be opened
// degrades to stdout with a warning rather than failing startup.
func Init(logPath string, level Level, serviceName string) error {
	sink := openSink(logPath)
	globalLogger = &Logger{
		Level:   level,
		Writer:  sink,
		Service: serviceName,
	}
	return nil
}

func openSink(logPath string) io.Writer {
	if dir := filepath.Dir(logPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot create log directory %s: %v; logging to stdout\n", dir, err)
			return os.Stdout
		}
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v; logging to stdout\n", logPath, err)
		return os.Stdout
	}
	return file
}

func (l *Logger) log(level Level, scope string, msg string, ctx map[string]interface{}) {
	if level < l.Level {
		return
	}

	if l.Service != "" {
		if ctx == nil {
			ctx = make(map[string]interface{})
		}
		ctx["service"] = l.Service
	}

	line := fmt.Sprintf("[%s]\t[%s]\t[%s]\t[%s]\t%s",
		time.Now().Format("2006-01-02 15:04:05"),
		level.String(), scope, callSite(), msg)
	if len(ctx) > 0 {
		data, _ := json.Marshal(ctx)
		line += "\t" + string(data)
	}
	fmt.Fprintln(l.Writer, line)
}

// callSite reports the file:line of the logging call, relative to the
// working directory when that resolves.
func callSite() string {
	// Four frames up: callSite, log, emit, and the exported helper.
	_, file, line, ok := runtime.Caller(4)
	if !ok {
		return "unknown:0"
	}
	if root, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(root, file); err == nil {
			return fmt.Sprintf("%s:%d", rel, line)
		}
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// The package-level helpers are no-ops before Init so library code can
// log unconditionally.

func Debug(scope string, msg string, args ...map[string]interface{}) { emit(DEBUG, scope, msg, args) }
func Info(scope string, msg string, args ...map[string]interface{})  { emit(INFO, scope, msg, args) }
func Warn(scope string, msg string, args ...map[string]interface{})  { emit(WARN, scope, msg, args) }
func Error(scope string, msg string, args ...map[string]interface{}) { emit(ERROR, scope, msg, args) }

func emit(level Level, scope string, msg string, args []map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	var ctx map[string]interface{}
	if len(args) > 0 {
		ctx = args[0]
	}
	globalLogger.log(level, scope, msg, ctx)
}
