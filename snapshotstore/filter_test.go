package snapshotstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	s := Snapshot{
		Hostname: "box1",
		Label:    "nightly",
		Paths:    []string{"/srv/www", "/etc"},
		Tags:     []string{"prod", "daily"},
		Time:     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"no clauses matches everything", Filter{}, true},
		{"host match", Filter{Hosts: []string{"box1", "box2"}}, true},
		{"host mismatch", Filter{Hosts: []string{"box2"}}, false},
		{"label match", Filter{Labels: []string{"nightly"}}, true},
		{"label mismatch", Filter{Labels: []string{"weekly"}}, false},
		{"path overlap", Filter{Paths: []string{"/etc"}}, true},
		{"path disjoint", Filter{Paths: []string{"/var"}}, false},
		{"tag overlap (any)", Filter{Tags: []string{"daily", "archive"}}, true},
		{"tag disjoint", Filter{Tags: []string{"archive"}}, false},
		{"combined, all satisfied", Filter{Hosts: []string{"box1"}, Tags: []string{"prod"}}, true},
		{"combined, one clause fails", Filter{Hosts: []string{"box1"}, Tags: []string{"archive"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.f.Matches(s))
		})
	}
}

func TestParsePredicate(t *testing.T) {
	p, err := ParsePredicate("host=box1 && tag=prod && path=/srv")
	require.NoError(t, err)
	assert.Equal(t, "box1", p.Host)
	assert.Equal(t, "prod", p.Tag)
	assert.Equal(t, "/srv", p.PathPrefix)

	s := Snapshot{Hostname: "box1", Paths: []string{"/srv/www"}, Tags: []string{"prod"}}
	assert.True(t, p.Matches(s))

	s.Hostname = "box2"
	assert.False(t, p.Matches(s))
}

func TestParsePredicateTimeClauses(t *testing.T) {
	p, err := ParsePredicate("after=2026-01-01T00:00:00Z && before=2026-12-31T00:00:00Z")
	require.NoError(t, err)

	inside := Snapshot{Time: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	outside := Snapshot{Time: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.True(t, p.Matches(inside))
	assert.False(t, p.Matches(outside))
}

func TestParsePredicateEmpty(t *testing.T) {
	p, err := ParsePredicate("   ")
	require.NoError(t, err)
	assert.Equal(t, Predicate{}, p)
	assert.True(t, p.Matches(Snapshot{}))
}

func TestParsePredicateErrors(t *testing.T) {
	_, err := ParsePredicate("nonsense")
	assert.Error(t, err)

	_, err = ParsePredicate("color=blue")
	assert.Error(t, err)

	_, err = ParsePredicate("before=not-a-time")
	assert.Error(t, err)
}

func TestGroupKey(t *testing.T) {
	a := Snapshot{Hostname: "box1", Label: "nightly", Paths: []string{"/b", "/a"}}
	b := Snapshot{Hostname: "box1", Label: "nightly", Paths: []string{"/a", "/b"}}
	assert.Equal(t, GroupKey(a, true, true, true, false), GroupKey(b, true, true, true, false),
		"path order must not affect the group key")

	c := Snapshot{Hostname: "box2", Label: "nightly", Paths: []string{"/a", "/b"}}
	assert.NotEqual(t, GroupKey(a, true, true, true, false), GroupKey(c, true, true, true, false))
}
