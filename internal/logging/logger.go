// Package logging provides the component-tagged structured logger used by every
// part of the kernel manager.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log message.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) ansiColor() string {
	switch l {
	case Debug:
		return "\033[36m"
	case Info:
		return "\033[32m"
	case Warn:
		return "\033[33m"
	case Error, Fatal:
		return "\033[31m"
	default:
		return ""
	}
}

const ansiReset = "\033[0m"

// Config configures a Logger.
type Config struct {
	Level      Level
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// Logger is a leveled, component-tagged logger. Formatting happens outside
// the lock; only the final write is serialized, so concurrent callers never
// block each other on string building.
type Logger struct {
	cfg Config
	mu  sync.Mutex
}

// NewWithConfig creates a logger with explicit configuration.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05.000"
	}
	return &Logger{cfg: cfg}
}

// New creates a logger for a named component with sensible defaults.
func New(component string) *Logger {
	return NewWithConfig(Config{
		Level:     Info,
		Component: component,
		Colorize:  true,
	})
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(Debug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(Info, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(Warn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(Error, msg, fields) }

// Fatal logs at FATAL then terminates the process.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.emit(Fatal, msg, fields)
	os.Exit(1)
}

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if level < l.cfg.Level {
		return
	}
	line := l.render(level, msg, fields)
	l.mu.Lock()
	l.cfg.Output.Write(line)
	l.mu.Unlock()
}

func (l *Logger) render(level Level, msg string, fields []Field) []byte {
	var buf bytes.Buffer
	if l.cfg.Colorize {
		buf.WriteString(level.ansiColor())
	}
	buf.WriteByte('[')
	buf.WriteString(time.Now().Format(l.cfg.TimeFormat))
	buf.WriteString("] [")
	buf.WriteString(padRight(level.String(), 5))
	buf.WriteByte(']')
	if l.cfg.Component != "" {
		buf.WriteString(" [")
		buf.WriteString(l.cfg.Component)
		buf.WriteByte(']')
	}
	buf.WriteByte(' ')
	buf.WriteString(msg)
	for _, f := range fields {
		buf.WriteByte(' ')
		buf.WriteString(f.Key)
		buf.WriteByte('=')
		buf.WriteString(f.render())
	}
	if l.cfg.ShowCaller {
		if loc, ok := callerLocation(); ok {
			buf.WriteByte(' ')
			buf.WriteString(loc)
		}
	}
	if l.cfg.Colorize {
		buf.WriteString(ansiReset)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func padRight(s string, width int) string {
	for len(s) < width {
		s += " "
	}
	return s
}

// callerLocation walks up three frames past itself (emit, the Debug/Info/...
// wrapper, render) to the call site that actually logged the message.
func callerLocation() (string, bool) {
	_, file, line, ok := runtime.Caller(4)
	if !ok {
		return "", false
	}
	if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
		file = file[idx+1:]
	}
	return "(" + file + ":" + strconv.Itoa(line) + ")", true
}

// Field is a structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

func (f Field) render() string {
	switch v := f.Value.(type) {
	case string:
		return strconv.Quote(v)
	case error:
		return strconv.Quote(v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field          { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Err(err error) Field                            { return Field{Key: "error", Value: err} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }
