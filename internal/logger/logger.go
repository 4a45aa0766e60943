package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var (
	mu          sync.Mutex
	globalLevel           = LogLevelInfo
	out         io.Writer = os.Stdout
)

// SetGlobalLevel changes the level new loggers start with.
// Unknown values fall back to info.
func SetGlobalLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = ParseLevel(level)
}

// SetOutput redirects all loggers. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	out = w
}

func ParseLevel(level string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(level))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn, "warning":
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) rank() int {
	switch l {
	case LogLevelDebug:
		return 0
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	default:
		return 1
	}
}

type Log struct {
	level  LogLevel
	err    error
	fields []string
}

func New() *Log {
	mu.Lock()
	defer mu.Unlock()
	return &Log{level: globalLevel}
}

func (l *Log) SetLevel(level LogLevel) {
	l.level = level
}

func (l *Log) WithError(err error) *Log {
	return &Log{level: l.level, err: err, fields: l.fields}
}

// With returns a copy of the logger carrying extra key/value pairs.
func (l *Log) With(kv ...any) *Log {
	fields := make([]string, 0, len(l.fields)+len(kv)/2)
	fields = append(fields, l.fields...)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, fmt.Sprintf("%v=%v", kv[i], kv[i+1]))
	}
	return &Log{level: l.level, err: l.err, fields: fields}
}

func (l *Log) timestamp() string {
	return time.Now().Format("15:04:05")
}

func (l *Log) enabled(level LogLevel) bool {
	return level.rank() >= l.level.rank()
}

func (l *Log) print(color, icon, msg string) {
	line := msg
	if len(l.fields) > 0 {
		line += " " + strings.Join(l.fields, " ")
	}
	if l.err != nil {
		line = fmt.Sprintf("%s: %v", line, l.err)
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%s[%s]%s %s %s%s\n", color, l.timestamp(), ColorReset, icon, line, ColorReset)
}

func (l *Log) Debug(msg string) {
	if !l.enabled(LogLevelDebug) {
		return
	}
	if l.err != nil {
		l.print(ColorCyan, "ℹ️ ", msg)
		return
	}
	l.print(ColorBlue, "ℹ️ ", msg)
}

func (l *Log) Info(msg string) {
	if !l.enabled(LogLevelInfo) {
		return
	}
	l.print(ColorBlue, "ℹ️ ", msg)
}

// Success is Info with a green marker, used for finished requests.
func (l *Log) Success(msg string) {
	if !l.enabled(LogLevelInfo) {
		return
	}
	l.print(ColorGreen, "✅", msg)
}

func (l *Log) Warn(msg string) {
	if !l.enabled(LogLevelWarn) {
		return
	}
	l.print(ColorYellow, "⚠️ ", msg)
}

func (l *Log) Error(msg string) {
	l.print(ColorRed, "❌", msg)
}
