package snapshotstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/rustic-rs/rustic/ids"
)

// RetentionPolicy evaluates spec.md §4.11's keep-* rules. A count of -1
// means unlimited (spec.md: "`-1` for any count means unlimited"); a count
// of 0 means "keep none via this clause" (the zero value, so an unset
// policy keeps nothing beyond KeepTags/KeepID/KeepWithin*).
type RetentionPolicy struct {
	KeepLast int

	KeepHourly        int
	KeepDaily         int
	KeepWeekly        int
	KeepMonthly       int
	KeepQuarterYearly int
	KeepHalfYearly    int
	KeepYearly        int

	KeepTags []string
	KeepID   []ids.ID

	// KeepWithin* mirror the keep-* buckets above but are bounded by
	// duration rather than count: the most recent snapshot of each bucket
	// that falls within the duration is kept (KeepWithinLast, having no
	// bucket, keeps every snapshot within it), spec.md §4.11's
	// "keep-within-*". Zero disables the clause.
	KeepWithinLast    time.Duration
	KeepWithinHourly  time.Duration
	KeepWithinDaily   time.Duration
	KeepWithinWeekly  time.Duration
	KeepWithinMonthly time.Duration
	KeepWithinYearly  time.Duration
}

// GroupKeyFunc selects the bucket key a snapshot belongs to for retention
// grouping, per spec.md §4.11's "evaluation groups snapshots per the
// group-by key". Callers typically pass snapshotstore.GroupKey bound to
// whatever subset of host/label/paths/tags they configured.
type GroupKeyFunc func(Snapshot) string

// Evaluate returns the set of ids that policy p keeps, out of entries, as
// of now. Entries are grouped by groupKey; within each group, snapshots are
// considered newest-first, and each keep-* clause marks kept ids within
// that ordering independently (a snapshot can be kept by more than one
// clause; the result is their union, per spec.md §4.11's clause-by-clause
// description).
func Evaluate(entries []Entry, policy RetentionPolicy, groupKey GroupKeyFunc, now time.Time) map[ids.ID]bool {
	kept := make(map[ids.ID]bool)

	keepIDSet := make(map[ids.ID]bool, len(policy.KeepID))
	for _, id := range policy.KeepID {
		keepIDSet[id] = true
	}

	groups := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		if keepIDSet[e.ID] {
			kept[e.ID] = true
		}
		if hasAnyTag(e.Snapshot, policy.KeepTags) {
			kept[e.ID] = true
		}

		k := groupKey(e.Snapshot)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	for _, k := range order {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].Snapshot.Time.After(group[j].Snapshot.Time) })

		keepCount(group, policy.KeepLast, kept)
		keepBuckets(group, hourBucket, policy.KeepHourly, kept)
		keepBuckets(group, dayBucket, policy.KeepDaily, kept)
		keepBuckets(group, weekBucket, policy.KeepWeekly, kept)
		keepBuckets(group, monthBucket, policy.KeepMonthly, kept)
		keepBuckets(group, quarterBucket, policy.KeepQuarterYearly, kept)
		keepBuckets(group, halfYearBucket, policy.KeepHalfYearly, kept)
		keepBuckets(group, yearBucket, policy.KeepYearly, kept)

		keepWithin(group, now, policy.KeepWithinLast, nil, kept)
		keepWithin(group, now, policy.KeepWithinHourly, hourBucket, kept)
		keepWithin(group, now, policy.KeepWithinDaily, dayBucket, kept)
		keepWithin(group, now, policy.KeepWithinWeekly, weekBucket, kept)
		keepWithin(group, now, policy.KeepWithinMonthly, monthBucket, kept)
		keepWithin(group, now, policy.KeepWithinYearly, yearBucket, kept)
	}

	return kept
}

func hasAnyTag(s Snapshot, tags []string) bool {
	for _, t := range tags {
		if s.HasTag(t) {
			return true
		}
	}
	return false
}

// keepCount marks the first n entries of group (already newest-first) as
// kept. n == -1 keeps every entry; n <= 0 (and not -1) keeps none.
func keepCount(group []Entry, n int, kept map[ids.ID]bool) {
	if n == -1 {
		for _, e := range group {
			kept[e.ID] = true
		}
		return
	}
	for i := 0; i < n && i < len(group); i++ {
		kept[group[i].ID] = true
	}
}

// keepBuckets marks the first (most recent) snapshot in each distinct
// bucket(time) as kept, stopping after n distinct buckets have been
// satisfied (n == -1: unlimited buckets, i.e. one per distinct bucket seen
// across the whole group). group must already be newest-first.
func keepBuckets(group []Entry, bucket func(time.Time) string, n int, kept map[ids.ID]bool) {
	if n == 0 {
		return
	}
	seen := make(map[string]bool)
	count := 0
	for _, e := range group {
		if n != -1 && count >= n {
			return
		}
		b := bucket(e.Snapshot.Time)
		if seen[b] {
			continue
		}
		seen[b] = true
		kept[e.ID] = true
		count++
	}
}

// keepWithin marks kept the most recent snapshot of each bucket (or every
// snapshot, if bucket is nil) whose bucket still has a representative
// within [now-within, now]. within == 0 disables the clause.
func keepWithin(group []Entry, now time.Time, within time.Duration, bucket func(time.Time) string, kept map[ids.ID]bool) {
	if within <= 0 {
		return
	}
	cutoff := now.Add(-within)
	seen := make(map[string]bool)
	for _, e := range group {
		if e.Snapshot.Time.Before(cutoff) {
			if bucket == nil {
				return // newest-first: once before cutoff, so is everything after
			}
			continue
		}
		if bucket == nil {
			kept[e.ID] = true
			continue
		}
		b := bucket(e.Snapshot.Time)
		if seen[b] {
			continue
		}
		seen[b] = true
		kept[e.ID] = true
	}
}

func hourBucket(t time.Time) string  { return t.UTC().Format("2006010215") }
func dayBucket(t time.Time) string   { return t.UTC().Format("20060102") }
func weekBucket(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}
func monthBucket(t time.Time) string { return t.UTC().Format("200601") }
func quarterBucket(t time.Time) string {
	q := (int(t.UTC().Month())-1)/3 + 1
	return fmt.Sprintf("%04d-Q%d", t.UTC().Year(), q)
}
func halfYearBucket(t time.Time) string {
	h := 1
	if t.UTC().Month() > 6 {
		h = 2
	}
	return fmt.Sprintf("%04d-H%d", t.UTC().Year(), h)
}
func yearBucket(t time.Time) string { return t.UTC().Format("2006") }
