package snapshotstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter narrows a snapshot set by host/label/paths/tags and an optional
// predicate, per spec.md §6 ("hosts, labels, paths, tags, user-supplied
// predicate script"). Per spec.md §9's explicit allowance, the predicate is
// a fixed grammar rather than a scripting language: a conjunction of
// host=/label=/path=/tag=/before=/after= clauses (see ParsePredicate).
type Filter struct {
	Hosts  []string
	Labels []string
	Paths  []string
	Tags   []string

	Predicate Predicate
}

// Matches reports whether s satisfies every non-empty clause of f. A clause
// list matches if s has at least one entry in common with it (OR within a
// clause, AND across clauses) — the same "any host in --host, any tag in
// --tag" semantics the reference corpus's CLI-facing filters use.
func (f Filter) Matches(s Snapshot) bool {
	if len(f.Hosts) > 0 && !containsAny(f.Hosts, s.Hostname) {
		return false
	}
	if len(f.Labels) > 0 && !containsAny(f.Labels, s.Label) {
		return false
	}
	if len(f.Paths) > 0 && !pathsOverlap(f.Paths, s.Paths) {
		return false
	}
	if len(f.Tags) > 0 && !anyTagMatches(f.Tags, s.Tags) {
		return false
	}
	return f.Predicate.Matches(s)
}

func containsAny(candidates []string, want string) bool {
	for _, c := range candidates {
		if c == want {
			return true
		}
	}
	return false
}

func pathsOverlap(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func anyTagMatches(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// Predicate is the fixed grammar spec.md §9 allows in place of a full
// scripting language: a conjunction ("AND") of comparisons over host, path
// prefix, label, tag, and time. A zero-value Predicate matches everything.
type Predicate struct {
	Host       string
	PathPrefix string
	Label      string
	Tag        string
	Before     *time.Time
	After      *time.Time
}

// Matches reports whether s satisfies every clause set on p. Unset clauses
// (zero value) are ignored.
func (p Predicate) Matches(s Snapshot) bool {
	if p.Host != "" && s.Hostname != p.Host {
		return false
	}
	if p.Label != "" && s.Label != p.Label {
		return false
	}
	if p.Tag != "" && !s.HasTag(p.Tag) {
		return false
	}
	if p.PathPrefix != "" {
		match := false
		for _, path := range s.Paths {
			if strings.HasPrefix(path, p.PathPrefix) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if p.Before != nil && !s.Time.Before(*p.Before) {
		return false
	}
	if p.After != nil && !s.Time.After(*p.After) {
		return false
	}
	return true
}

// ParsePredicate parses a small fixed grammar: comparisons of the form
// key=value joined by "&&", e.g. "host=box1 && tag=prod && after=2025-01-01T00:00:00Z".
// Recognised keys: host, path (prefix match), label, tag, before, after (RFC3339).
// An empty expr parses to the zero Predicate (matches everything).
func ParsePredicate(expr string) (Predicate, error) {
	var p Predicate
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return p, nil
	}

	for _, clause := range strings.Split(expr, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		key, value, ok := strings.Cut(clause, "=")
		if !ok {
			return Predicate{}, fmt.Errorf("snapshotstore: malformed predicate clause %q", clause)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "host":
			p.Host = value
		case "path":
			p.PathPrefix = value
		case "label":
			p.Label = value
		case "tag":
			p.Tag = value
		case "before":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Predicate{}, fmt.Errorf("snapshotstore: predicate %q: %w", clause, err)
			}
			p.Before = &t
		case "after":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Predicate{}, fmt.Errorf("snapshotstore: predicate %q: %w", clause, err)
			}
			p.After = &t
		default:
			return Predicate{}, fmt.Errorf("snapshotstore: unknown predicate key %q", key)
		}
	}
	return p, nil
}

// GroupKey builds the default archiver group-by key (spec.md §4.8's default
// {host,label,paths}): host, label, and the sorted, joined source paths.
func GroupKey(s Snapshot, byHost, byLabel, byPaths, byTags bool) string {
	var b strings.Builder
	if byHost {
		b.WriteString("h=")
		b.WriteString(s.Hostname)
		b.WriteByte(';')
	}
	if byLabel {
		b.WriteString("l=")
		b.WriteString(s.Label)
		b.WriteByte(';')
	}
	if byPaths {
		paths := append([]string(nil), s.Paths...)
		sort.Strings(paths)
		b.WriteString("p=")
		b.WriteString(strings.Join(paths, ","))
		b.WriteByte(';')
	}
	if byTags {
		tags := append([]string(nil), s.Tags...)
		sort.Strings(tags)
		b.WriteString("t=")
		b.WriteString(strings.Join(tags, ","))
		b.WriteByte(';')
	}
	return b.String()
}
