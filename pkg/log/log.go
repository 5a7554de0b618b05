// Package log provides human-friendly logging for devrt.
//
// Design: show what matters, hide what doesn't. Installer chatter is
// collapsed into a single self-erasing line (see Liveness), and every
// worker logs under its own [module/instance] prefix.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log verbosity.
type Level int

const (
	LevelQuiet   Level = iota // Errors only
	LevelNormal               // Default - key events
	LevelVerbose              // Extra detail
	LevelDebug                // Everything
)

// ANSI color codes
const (
	reset  = "\033[0m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
)

// kind is one line style: the level it needs, its symbol and its colour.
type kind struct {
	level Level
	sym   string
	color string
}

// Symbols for quick visual scanning
var (
	kindOK    = kind{LevelNormal, "+", green}
	kindFail  = kind{LevelQuiet, "!", red}
	kindWarn  = kind{LevelNormal, "~", yellow}
	kindInfo  = kind{LevelNormal, "-", blue}
	kindStart = kind{LevelNormal, ">", cyan}
	kindDone  = kind{LevelNormal, "<", green}
	kindWait  = kind{LevelVerbose, ".", dim}
	kindSkip  = kind{LevelVerbose, "/", dim}
	kindVInfo = kind{LevelVerbose, "-", blue}
	kindDebug = kind{LevelDebug, " ", dim}
)

// Logger writes leveled lines. The package-level functions use a shared
// logger on stderr; WithPrefix derives one for a single worker.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	color  bool
	prefix string
}

var (
	std   = New(os.Stderr)
	stdMu sync.RWMutex
)

// New creates a logger.
func New(out io.Writer) *Logger {
	return &Logger{
		out:   out,
		level: LevelNormal,
		color: isTTY(out),
	}
}

// SetLevel sets the global log level.
func SetLevel(l Level) {
	stdMu.Lock()
	std.level = l
	stdMu.Unlock()
}

// SetOutput sets the global output.
func SetOutput(w io.Writer) {
	stdMu.Lock()
	std.out = w
	std.color = isTTY(w)
	stdMu.Unlock()
}

// SetColor forces color on/off.
func SetColor(on bool) {
	stdMu.Lock()
	std.color = on
	stdMu.Unlock()
}

// WithPrefix returns a logger that shares the global output and level
// as they are now, and tags every line with prefix.
func WithPrefix(prefix string) *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return &Logger{
		out:    std.out,
		level:  std.level,
		color:  std.color,
		prefix: prefix,
	}
}

// OK logs a success.
func OK(format string, args ...any) { std.write(kindOK, format, args...) }

// Fail logs a failure. Shown even with --quiet.
func Fail(format string, args ...any) { std.write(kindFail, format, args...) }

// Warn logs a warning. Heads up, but not fatal.
func Warn(format string, args ...any) { std.write(kindWarn, format, args...) }

// Info logs information.
func Info(format string, args ...any) { std.write(kindInfo, format, args...) }

// Start logs the beginning of something.
func Start(format string, args ...any) { std.write(kindStart, format, args...) }

// Done logs completion.
func Done(format string, args ...any) { std.write(kindDone, format, args...) }

// Wait logs waiting/in-progress. Verbose only.
func Wait(format string, args ...any) { std.write(kindWait, format, args...) }

// Skip logs something skipped. Verbose only.
func Skip(format string, args ...any) { std.write(kindSkip, format, args...) }

// VInfo logs info only in verbose mode.
func VInfo(format string, args ...any) { std.write(kindVInfo, format, args...) }

// Debug logs debug info. Only when you're hunting bugs.
func Debug(format string, args ...any) { std.write(kindDebug, format, args...) }

func (l *Logger) OK(format string, args ...any) { l.write(kindOK, format, args...) }
func (l *Logger) Fail(format string, args ...any) { l.write(kindFail, format, args...) }
func (l *Logger) Warn(format string, args ...any) { l.write(kindWarn, format, args...) }
func (l *Logger) Info(format string, args ...any) { l.write(kindInfo, format, args...) }
func (l *Logger) VInfo(format string, args ...any) { l.write(kindVInfo, format, args...) }

// ExecEvent describes a finished child process.
type ExecEvent struct {
	Name     string
	Duration time.Duration
	ExitCode int
	Error    error
}

// LogExec logs the outcome of a child process on the global logger.
func LogExec(e ExecEvent) { std.Exec(e) }

// Exec logs the outcome of a child process: OK for a clean exit, Fail
// with the exit code or error otherwise.
func (l *Logger) Exec(e ExecEvent) {
	took := formatDuration(e.Duration)
	if l.color {
		took = dim + took + reset
	}
	switch {
	case e.Error != nil:
		l.Fail("%s failed: %v %s", e.Name, e.Error, took)
	case e.ExitCode != 0:
		l.Fail("%s exited %d %s", e.Name, e.ExitCode, took)
	default:
		l.OK("%s %s", e.Name, took)
	}
}

func (l *Logger) write(k kind, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level < k.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	switch {
	case l.color && l.prefix != "":
		fmt.Fprintf(l.out, "%s%s %s%s%s%s %s\n", dim, l.prefix, reset, k.color, k.sym, reset, msg)
	case l.color:
		fmt.Fprintf(l.out, "%s%s%s %s\n", k.color, k.sym, reset, msg)
	case l.prefix != "":
		fmt.Fprintf(l.out, "%s %s %s\n", l.prefix, k.sym, msg)
	default:
		fmt.Fprintf(l.out, "%s %s\n", k.sym, msg)
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.0fus", float64(d.Microseconds()))
	case d < time.Second:
		return fmt.Sprintf("%.0fms", float64(d.Milliseconds()))
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
