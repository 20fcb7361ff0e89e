// Package logging provides leveled, printf-style logging on top of zerolog.
//
// Output is human-readable text by default ("2006-01-02 15:04:05 [INFO] msg")
// and switches to one JSON object per line with SetFormat("json"), using the
// fields ts, level and msg.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var (
	mu     sync.RWMutex
	out    io.Writer = os.Stderr
	format           = "text"
	level            = LevelInfo
	log    zerolog.Logger
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"
	zerolog.ErrorFieldName = "error"
	rebuild()
}

// rebuild must be called with mu held (or from init).
func rebuild() {
	var w io.Writer = out
	if format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    true,
			TimeFormat: "2006-01-02 15:04:05",
			FormatLevel: func(i any) string {
				return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
			},
		}
	}
	log = zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// SetLevel sets the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	rebuild()
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsDebug reports whether debug output is enabled.
func IsDebug() bool {
	return GetLevel() <= LevelDebug
}

// SetFormat selects "json" or "text" output. Unknown values fall back to text.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if strings.EqualFold(f, "json") {
		format = "json"
	} else {
		format = "text"
	}
	rebuild()
}

// SetOutput redirects log output. A nil writer restores os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	rebuild()
}

// Logger returns the underlying zerolog logger for callers that want
// structured fields.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With returns a logger tagged with a component field.
func With(component string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", component).Logger()
}

func Debug(format string, args ...any) { emit(zerolog.DebugLevel, format, args) }
func Info(format string, args ...any)  { emit(zerolog.InfoLevel, format, args) }
func Warn(format string, args ...any)  { emit(zerolog.WarnLevel, format, args) }
func Error(format string, args ...any) { emit(zerolog.ErrorLevel, format, args) }

func emit(lvl zerolog.Level, format string, args []any) {
	mu.RLock()
	l := log
	mu.RUnlock()
	l.WithLevel(lvl).Msgf(format, args...)
}
