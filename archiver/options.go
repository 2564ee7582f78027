// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package archiver implements spec.md §4.8's backup pipeline: a bounded
// concurrent directory walk that reuses a parent snapshot's content ids for
// unchanged files and otherwise chunks, dedups against the index, and
// submits new blobs to a packer.
//
// The walk and exclusion-matching shape is a direct generalization of the
// teacher's fstree.Capture/options.go (glob-based WithExclude, a custom
// WithExcludeFunc hook, size/count caps) to the chunked, encrypted,
// change-detecting model spec.md describes.
package archiver

import "path/filepath"

// Option configures a Backup run, following the teacher's functional
// options pattern (fstree/options.go's Option/defaultOptions shape).
type Option func(*options)

type options struct {
	excludePatterns []string
	excludeFn       func(relPath string, isDir bool) bool
	skipIfPresent   []string // marker filenames that suppress an entire directory

	oneFileSystem  bool
	followGitignore bool
	withAtime      bool

	// Change-detection clause disables, per spec.md §4.8's default rule
	// "same path AND same mtime AND same ctime AND same size AND same
	// inode"; force disables every clause at once.
	ignoreMtime bool
	ignoreCtime bool
	ignoreSize  bool
	ignoreInode bool
	force       bool

	maxFileSize int64
	concurrency int

	// Parent selection (spec.md §4.8's "group-by" key); default {host, label, paths}.
	groupByHost  bool
	groupByLabel bool
	groupByPaths bool
	groupByTags  bool

	skipIdenticalParent bool
}

func defaultOptions() *options {
	return &options{
		maxFileSize:  0, // 0 = unlimited
		concurrency:  8,
		groupByHost:  true,
		groupByLabel: true,
		groupByPaths: true,
	}
}

// WithExclude adds glob patterns matched against a candidate's path
// relative to the backup root, exactly as fstree.WithExclude does.
func WithExclude(patterns ...string) Option {
	return func(o *options) { o.excludePatterns = append(o.excludePatterns, patterns...) }
}

// WithExcludeFunc installs a custom exclusion predicate, called for every
// candidate path; returning true excludes it (and, for a directory, its
// entire subtree).
func WithExcludeFunc(fn func(relPath string, isDir bool) bool) Option {
	return func(o *options) { o.excludeFn = fn }
}

// WithSkipIfPresent adds marker filenames (e.g. "CACHEDIR.TAG") whose
// presence in a directory causes that directory's entire subtree to be
// skipped, per spec.md §4.8's "skip-if-present marker files".
func WithSkipIfPresent(markers ...string) Option {
	return func(o *options) { o.skipIfPresent = append(o.skipIfPresent, markers...) }
}

// WithOneFileSystem restricts the walk to the filesystem device the root
// belongs to; mount points below the root are not descended into.
func WithOneFileSystem() Option {
	return func(o *options) { o.oneFileSystem = true }
}

// WithFollowGitignore honors `.gitignore` files found along the walk,
// excluding paths they match in addition to explicit excludes. A
// `.gitignore`'s patterns are matched against the names of the entries
// directly inside its own directory only; they are not applied to deeper
// descendants, and negation and directory-only (`/`-suffixed) patterns are
// not supported.
func WithFollowGitignore() Option {
	return func(o *options) { o.followGitignore = true }
}

// WithAtime records each file's access time into the produced Node
// (normally omitted, since reading it disturbs it on most filesystems).
func WithAtime() Option {
	return func(o *options) { o.withAtime = true }
}

// WithIgnoreMtime disables the mtime clause of change detection.
func WithIgnoreMtime() Option { return func(o *options) { o.ignoreMtime = true } }

// WithIgnoreCtime disables the ctime clause of change detection.
func WithIgnoreCtime() Option { return func(o *options) { o.ignoreCtime = true } }

// WithIgnoreInode disables the inode clause of change detection.
func WithIgnoreInode() Option { return func(o *options) { o.ignoreInode = true } }

// WithIgnoreSize disables the size clause of change detection.
func WithIgnoreSize() Option { return func(o *options) { o.ignoreSize = true } }

// WithForce disables every change-detection clause: every file is
// re-chunked regardless of a matching parent entry.
func WithForce() Option { return func(o *options) { o.force = true } }

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option { return func(o *options) { o.maxFileSize = n } }

// WithConcurrency bounds the number of files hashed/chunked in parallel.
func WithConcurrency(n int) Option { return func(o *options) { o.concurrency = n } }

// WithSkipIdenticalParent suppresses writing a snapshot whose root tree id
// equals its chosen parent's, per spec.md §4.8.
func WithSkipIdenticalParent() Option { return func(o *options) { o.skipIdenticalParent = true } }

func (o *options) shouldExclude(relPath string, isDir bool) bool {
	if o.excludeFn != nil && o.excludeFn(relPath, isDir) {
		return true
	}
	for _, pattern := range o.excludePatterns {
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, filepath.Base(relPath)); matched {
			return true
		}
		if isDir && len(pattern) > 3 && pattern[len(pattern)-3:] == "/**" {
			prefix := pattern[:len(pattern)-3]
			if matched, _ := filepath.Match(prefix, relPath); matched {
				return true
			}
		}
	}
	return false
}
