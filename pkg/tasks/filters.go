package tasks

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ArgsFilter matches the argument at a dotted path against a regular expression.
type ArgsFilter struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

// Filters select tasks for listing and cleanup. Every set field must match; an
// unset field matches everything. Patterns are unanchored.
type Filters struct {
	Name            string       `json:"name,omitempty"`
	States          []State      `json:"states,omitempty"`
	User            string       `json:"user,omitempty"`
	Args            []ArgsFilter `json:"args,omitempty"`
	CaseInsensitive bool         `json:"case_insensitive,omitempty"`
}

// AllTasks is the empty filter.
var AllTasks = Filters{}

func (f Filters) WithName(pattern string) Filters {
	f.Name = pattern
	return f
}

func (f Filters) WithStates(states ...State) Filters {
	f.States = append([]State(nil), states...)
	return f
}

func (f Filters) WithUser(user string) Filters {
	f.User = user
	return f
}

func (f Filters) WithArgs(path, pattern string) Filters {
	f.Args = append(append([]ArgsFilter(nil), f.Args...), ArgsFilter{Path: path, Pattern: pattern})
	return f
}

// WithinStates restricts f to the given states. When f already lists states, the
// result is the intersection, which may be empty.
func (f Filters) WithinStates(states ...State) Filters {
	if len(f.States) == 0 {
		return f.WithStates(states...)
	}
	var kept []State
	for _, s := range f.States {
		if slices.Contains(states, s) {
			kept = append(kept, s)
		}
	}
	f.States = kept
	if kept == nil {
		f.States = []State{}
	}
	return f
}

// MatchesState reports whether s passes the state constraint.
func (f Filters) MatchesState(s State) bool {
	return f.States == nil || slices.Contains(f.States, s)
}

// Matcher is a compiled Filters.
type Matcher struct {
	filters Filters
	name    *regexp.Regexp
	args    []compiledArg
}

type compiledArg struct {
	path string
	re   *regexp.Regexp
}

// Matcher compiles the patterns of f.
func (f Filters) Matcher() (*Matcher, error) {
	m := &Matcher{filters: f}
	var err error
	if f.Name != "" {
		if m.name, err = f.compile(f.Name); err != nil {
			return nil, fmt.Errorf("name filter: %w", err)
		}
	}
	for _, a := range f.Args {
		re, err := f.compile(a.Pattern)
		if err != nil {
			return nil, fmt.Errorf("args filter %s: %w", a.Path, err)
		}
		m.args = append(m.args, compiledArg{path: a.Path, re: re})
	}
	return m, nil
}

func (f Filters) compile(pattern string) (*regexp.Regexp, error) {
	if f.CaseInsensitive && !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// Match reports whether t passes every constraint.
func (m *Matcher) Match(t *Task) bool {
	if !m.filters.MatchesState(t.State) {
		return false
	}
	if m.filters.User != "" && m.filters.User != t.User() {
		return false
	}
	if m.name != nil && !m.name.MatchString(t.Name) {
		return false
	}
	return m.MatchArgs(t)
}

// MatchArgs applies only the argument constraints. Backends that filter names,
// states and users server-side use it as a post-filter.
func (m *Matcher) MatchArgs(t *Task) bool {
	for _, a := range m.args {
		v, ok := t.Args.Lookup(a.path)
		if !ok || !a.re.MatchString(fmt.Sprint(v)) {
			return false
		}
	}
	return true
}

// SortBy orders tasks in place by one of: id, name, user, state, createdAt, progress.
func SortBy(list []*Task, field string, desc bool) error {
	var less func(a, b *Task) int
	switch field {
	case "id":
		less = func(a, b *Task) int { return cmp.Compare(a.ID, b.ID) }
	case "name":
		less = func(a, b *Task) int { return cmp.Compare(a.Name, b.Name) }
	case "user":
		less = func(a, b *Task) int { return cmp.Compare(a.User(), b.User()) }
	case "state":
		less = func(a, b *Task) int { return cmp.Compare(a.State, b.State) }
	case "createdAt", "created_at":
		less = func(a, b *Task) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case "progress":
		less = func(a, b *Task) int { return cmp.Compare(a.Progress, b.Progress) }
	default:
		return fmt.Errorf("cannot sort tasks by %q", field)
	}
	slices.SortStableFunc(list, func(a, b *Task) int {
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
	return nil
}
