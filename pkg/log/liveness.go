package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Liveness renders the last output line of a long-running child process.
//
// On a terminal the line is written and then erased in place, so the user
// sees progress without the output scrolling. Elsewhere each line is logged
// at verbose level and Finish prints nothing.
type Liveness struct {
	mu    sync.Mutex
	out   io.Writer
	tty   bool
	width int
}

// NewLiveness creates a renderer writing to w.
func NewLiveness(w io.Writer) *Liveness {
	return &Liveness{out: w, tty: isTTY(w)}
}

// StdLiveness creates a renderer on the global logger's output.
func StdLiveness() *Liveness {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return &Liveness{out: std.out, tty: std.color}
}

// Line shows line as the current progress of command.
func (l *Liveness) Line(command, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tty {
		VInfo("%s", truncate(line, 120))
		return
	}

	l.erase()
	line = truncate(line, 120)
	fmt.Fprint(l.out, dim+line+reset)
	l.width = len(line)
}

// Finish clears the progress line once command has exited.
func (l *Liveness) Finish(command string, exitCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tty {
		return
	}
	l.erase()
}

// erase overwrites the previous line with blanks and returns the cursor.
func (l *Liveness) erase() {
	if l.width == 0 {
		return
	}
	back := strings.Repeat("\b", l.width)
	fmt.Fprint(l.out, back+strings.Repeat(" ", l.width)+back)
	l.width = 0
}
