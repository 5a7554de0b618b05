// Package deps handles the dependency manifest (requirements.txt) of a
// module.
//
// The user's manifest is treated as read-only. When devrt needs extra
// packages it works on a scratch copy.
package deps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// RequirementsFile is the manifest file name looked up next to app.yaml.
const RequirementsFile = "requirements.txt"

// Dependency represents a single package requirement.
type Dependency struct {
	Name    string
	Version string // Can be empty, ">=1.0", "==1.0.0", etc.
}

// String returns the pip format string.
func (d Dependency) String() string {
	if d.Version == "" {
		return d.Name
	}
	// If version starts with a comparison operator, use as-is
	switch d.Version[0] {
	case '>', '<', '=', '~', '!':
		return d.Name + d.Version
	}
	return d.Name + "==" + d.Version
}

// reqRe matches a requirement line: name, optional [extras], constraint.
var reqRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?\s*(.*?)$`)

// Parse reads requirement lines from r. Comments, blank lines and installer
// options (-r, -e, --index-url, ...) are skipped. Names are lower-cased.
func Parse(r io.Reader) ([]Dependency, error) {
	var deps []Dependency
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Strip inline comments
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}

		// Environment markers are not part of the constraint
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		matches := reqRe.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		deps = append(deps, Dependency{
			Name:    strings.ToLower(matches[1]),
			Version: strings.ReplaceAll(matches[3], " ", ""),
		})
	}

	return deps, scanner.Err()
}

// ParseRequirements parses the manifest at path. A missing file has no dependencies.
func ParseRequirements(path string) ([]Dependency, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Names returns the sorted, de-duplicated package names of deps.
func Names(deps []Dependency) []string {
	seen := make(map[string]bool, len(deps))
	var names []string
	for _, d := range deps {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// IsManifest reports whether a changed path refers to a dependency manifest.
func IsManifest(path string) bool {
	return strings.HasSuffix(path, RequirementsFile)
}

// Scratch is a temporary, modifiable copy of a manifest.
type Scratch struct {
	Path string
}

// ScratchCopy copies the manifest at orig (a missing file counts as empty)
// into a temporary file outside any environment directory and appends the
// extra requirements, one per line. The caller must Remove it.
func ScratchCopy(orig string, extra ...string) (*Scratch, error) {
	f, err := os.CreateTemp("", "devrt-requirements-*.txt")
	if err != nil {
		return nil, fmt.Errorf("cannot create scratch manifest: %w", err)
	}

	s := &Scratch{Path: f.Name()}
	if err := s.fill(f, orig, extra); err != nil {
		f.Close()
		s.Remove()
		return nil, err
	}
	if err := f.Close(); err != nil {
		s.Remove()
		return nil, fmt.Errorf("cannot write scratch manifest: %w", err)
	}
	return s, nil
}

func (s *Scratch) fill(w io.Writer, orig string, extra []string) error {
	src, err := os.Open(orig)
	switch {
	case err == nil:
		defer src.Close()
		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("cannot copy manifest %s: %w", orig, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("cannot read manifest %s: %w", orig, err)
	}

	for _, req := range extra {
		if _, err := io.WriteString(w, "\n"+req); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the scratch file. It is safe to call more than once.
func (s *Scratch) Remove() {
	if s == nil || s.Path == "" {
		return
	}
	os.Remove(s.Path)
}

// Fingerprint returns the xxhash64 of the manifest at path as 16 hex
// digits. A missing manifest fingerprints as the empty string.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
