package module

import "sort"

// Change is one kind of configuration change.
type Change string

// Change kinds
const (
	EntrypointAdded          Change = "entrypoint_added"
	EntrypointRemoved        Change = "entrypoint_removed"
	EntrypointChanged        Change = "entrypoint_changed"
	ManifestModified         Change = "manifest_modified"
	EnvVariablesChanged      Change = "env_variables_changed"
	BuildEnvVariablesChanged Change = "build_env_variables_changed"
	RuntimeChanged           Change = "runtime_changed"
)

// ChangeSet is a set of changes.
type ChangeSet map[Change]struct{}

// NewChangeSet returns a set holding changes.
func NewChangeSet(changes ...Change) ChangeSet {
	s := make(ChangeSet, len(changes))
	for _, c := range changes {
		s[c] = struct{}{}
	}
	return s
}

// RecreateChanges returns the changes that invalidate a provisioned
// environment.
func RecreateChanges() ChangeSet {
	return NewChangeSet(EntrypointAdded, EntrypointRemoved, ManifestModified)
}

func (s ChangeSet) Add(c Change) {
	s[c] = struct{}{}
}

func (s ChangeSet) Has(c Change) bool {
	_, ok := s[c]
	return ok
}

// Intersects reports whether s and other share a change.
func (s ChangeSet) Intersects(other ChangeSet) bool {
	for c := range s {
		if other.Has(c) {
			return true
		}
	}
	return false
}

// List returns the changes sorted by name.
func (s ChangeSet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
