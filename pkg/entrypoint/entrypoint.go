// Package entrypoint turns a module's entrypoint into the argument vector of
// a worker process.
package entrypoint

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lajosnagyuk/devrt/pkg/platform"
)

// PortPlaceholder is replaced by the port assigned to a worker.
const PortPlaceholder = "${PORT}"

// wrapperRe matches the shell "exec" prefix put in front of entrypoints.
var wrapperRe = regexp.MustCompile(`^exec\s+`)

// Resolver builds worker argument vectors for one platform.
type Resolver struct {
	Platform platform.Platform
}

// Resolve splits entrypoint on whitespace. An empty entrypoint resolves to
// the platform default. Platforms that cannot launch "exec" have the
// wrapper stripped first. The port placeholder is left in place.
func (r Resolver) Resolve(entrypoint string) []string {
	if strings.TrimSpace(entrypoint) == "" {
		return strings.Fields(r.Platform.DefaultEntrypoint)
	}
	if r.Platform.StripsWrapper {
		entrypoint = wrapperRe.ReplaceAllString(entrypoint, "")
	}
	return strings.Fields(entrypoint)
}

// IsDefault reports whether entrypoint falls back to the platform default.
func IsDefault(entrypoint string) bool {
	return strings.TrimSpace(entrypoint) == ""
}

// Expand returns a copy of args with the port placeholder substituted.
func Expand(args []string, port int) []string {
	p := strconv.Itoa(port)
	repl := strings.NewReplacer(PortPlaceholder, p, "$PORT", p)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = repl.Replace(a)
	}
	return out
}

// HasWrapper reports whether args start with the shell "exec" prefix and so
// must be run through a shell.
func HasWrapper(args []string) bool {
	return len(args) > 0 && args[0] == "exec"
}

// LegacyArgs returns the command line of a module-based worker: the runtime
// file run by the interpreter, or the runtime alone when it is executable.
func LegacyArgs(interpreter, runtimePath string, executable bool) []string {
	if executable {
		return []string{runtimePath}
	}
	return []string{interpreter, runtimePath}
}
