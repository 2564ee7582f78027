// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

package archiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rustic-rs/rustic/chunker"
	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/errs"
	"github.com/rustic-rs/rustic/ids"
	"github.com/rustic-rs/rustic/internal/packer"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/progress"
	"github.com/rustic-rs/rustic/repository"
	"github.com/rustic-rs/rustic/tree"
)

// ParentLookup resolves a path relative to one backup root to the Node a
// previous snapshot recorded there. Implementations typically index a
// parent snapshot's tree lazily on first use; the archiver never needs the
// whole parent tree materialized up front.
type ParentLookup interface {
	Find(root, relPath string) (tree.Node, bool)
}

// NoParent is a ParentLookup with no usable parent (first snapshot, or
// --force): every file is treated as new.
type NoParent struct{}

func (NoParent) Find(string, string) (tree.Node, bool) { return tree.Node{}, false }

// Result is what a completed Backup run produced.
type Result struct {
	RootID ids.ID
	Stats  Stats

	// SkipIfIdenticalToParent is true when WithSkipIdenticalParent was set;
	// the caller should compare RootID against the chosen parent snapshot's
	// root tree id and, on a match, discard this run's snapshot record
	// instead of writing it (spec.md §4.8's "--skip-identical-parent").
	SkipIfIdenticalToParent bool
}

// Stats summarizes one Backup run, reported alongside the more granular
// progress.Backup callbacks.
type Stats struct {
	Files, Dirs, Symlinks, Specials int64
	TotalSize                       uint64
	Duration                        time.Duration
}

// Backup walks each of roots concurrently, reusing unchanged file content
// from parent and chunking everything else, and returns the id of a
// synthetic tree combining every root (spec.md §4.8: "a set of source
// roots"). Root entries are named by their cleaned absolute path rather
// than basename, since two roots can share a basename.
//
// The caller must call pk.Flush and wait for it to return before writing a
// snapshot record referencing Result.RootID (spec.md §4.8's "a snapshot
// record is written only after all its trees and data are durable").
func Backup(ctx context.Context, repo *repository.Repository, pk *packer.Packer, roots []string, parent ParentLookup, bp progress.Backup, opts ...Option) (*Result, error) {
	if len(roots) == 0 {
		return nil, errs.New(errs.InvalidArgument, "", fmt.Errorf("backup requires at least one root"))
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if bp == nil {
		bp = progress.NoopBackup{}
	}
	if parent == nil {
		parent = NoParent{}
	}

	w := &walker{
		repo:       repo,
		pk:         pk,
		parent:     parent,
		opts:       o,
		bp:         bp,
		sem:        semaphore.NewWeighted(int64(maxInt(o.concurrency, 1))),
		userCache:  make(map[uint32]string),
		groupCache: make(map[uint32]string),
		gitignore:  make(map[string][]string),
	}

	start := time.Now()

	cleanRoots := make([]string, len(roots))
	for i, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, errs.New(errs.SourceIO, root, err)
		}
		cleanRoots[i] = abs
	}

	type topSlot struct {
		node tree.Node
		ok   bool
	}
	topSlots := make([]topSlot, len(cleanRoots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range cleanRoots {
		i, root := i, root
		g.Go(func() error {
			var rootDevice uint64
			if o.oneFileSystem {
				if meta, err := lstatUnixMeta(root); err == nil {
					rootDevice = meta.DeviceID
				}
			}
			node, ok, err := w.buildEntry(gctx, root, root, "", rootDevice)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			node.Name = root
			topSlots[i] = topSlot{node: node, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var topNodes []tree.Node
	for _, s := range topSlots {
		if s.ok {
			topNodes = append(topNodes, s.node)
		}
	}

	t := tree.Tree{Nodes: topNodes}
	t.Sort()
	rootID, data, err := tree.ID(t)
	if err != nil {
		return nil, fmt.Errorf("archiver: hash root tree: %w", err)
	}
	if err := pk.Submit(ctx, pack.BlobInput{Type: pack.TreeBlob, ID: rootID, Data: data}); err != nil {
		return nil, fmt.Errorf("archiver: submit root tree: %w", err)
	}

	return &Result{
		RootID:                  rootID,
		SkipIfIdenticalToParent: o.skipIdenticalParent,
		Stats: Stats{
			Files:     w.stats.files.Load(),
			Dirs:      w.stats.dirs.Load(),
			Symlinks:  w.stats.symlinks.Load(),
			Specials:  w.stats.specials.Load(),
			TotalSize: w.stats.totalSize.Load(),
			Duration:  time.Since(start),
		},
	}, nil
}

// walker holds the state shared across one Backup call's concurrent
// directory walk: the packer blobs are submitted to, the change-detection
// parent, and caches that would otherwise be recomputed per file (uid/gid
// name lookups, per-directory .gitignore patterns).
type walker struct {
	repo   *repository.Repository
	pk     *packer.Packer
	parent ParentLookup
	opts   *options
	bp     progress.Backup
	sem    *semaphore.Weighted

	userMu     sync.Mutex
	userCache  map[uint32]string
	groupCache map[uint32]string

	gitignoreMu sync.Mutex
	gitignore   map[string][]string

	stats stats
}

type stats struct {
	files, dirs, symlinks, specials atomic.Int64
	totalSize                       atomic.Uint64
}

// buildEntry classifies absPath and dispatches to the type-specific
// builder. root is the top-level backup root absPath descends from (used
// for parent lookups and one-file-system scoping); relPath is absPath's
// path relative to root, using "/" separators regardless of OS, with ""
// denoting the root itself.
//
// The returned bool reports whether node is usable; a false with a nil
// error means absPath was skipped after a logged warning (spec.md §7:
// "Archiver errors on a single source file degrade to a logged warning and
// continue the backup") and the caller should simply omit this entry from
// its parent tree. A non-nil error is reserved for failures writing to the
// repository itself (spec.md §7: "errors while writing to the repository
// abort the backup") or context cancellation, and must propagate.
func (w *walker) buildEntry(ctx context.Context, root, absPath, relPath string, rootDevice uint64) (tree.Node, bool, error) {
	if err := ctx.Err(); err != nil {
		return tree.Node{}, false, err
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		w.warnSkip(absPath, err)
		return tree.Node{}, false, nil
	}
	meta, _ := lstatUnixMeta(absPath) // zero value degrades change detection to mtime+size, not an error

	node := tree.Node{
		Name:       filepath.Base(absPath),
		Mode:       uint32(info.Mode().Perm()),
		ModTime:    info.ModTime(),
		ChangeTime: meta.ChangeTime,
		DeviceID:   meta.DeviceID,
		Inode:      meta.Inode,
		OwnerID:    meta.UID,
		GroupID:    meta.GID,
		OwnerName:  w.lookupUser(meta.UID),
		GroupName:  w.lookupGroup(meta.GID),
	}
	if w.opts.withAtime {
		at := meta.AccessTime
		node.AccessTime = &at
	}

	w.bp.FileScanned(absPath)

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(absPath)
		if err != nil {
			w.warnSkip(absPath, err)
			return tree.Node{}, false, nil
		}
		node.Type = tree.NodeSymlink
		node.LinkTarget = []byte(target)
		node.Size = uint64(len(target))
		w.stats.symlinks.Add(1)
		return node, true, nil

	case info.IsDir():
		return w.buildDir(ctx, root, absPath, relPath, rootDevice, node)

	case info.Mode().IsRegular():
		return w.buildFile(ctx, root, absPath, relPath, info, meta, node)

	default:
		node.Type = classifySpecial(info.Mode())
		w.stats.specials.Add(1)
		return node, true, nil
	}
}

// warnSkip logs a single source-file error and continues the walk, per
// spec.md §7's "degrade to a logged warning and continue the backup".
func (w *walker) warnSkip(path string, err error) {
	slog.Warn("archiver: skipping source entry", "path", path, "err", err)
}

// buildDir lists absPath, recurses into (or omits, per exclude/one-file-
// system/skip-if-present rules) each child concurrently bounded by the
// shared semaphore, and hashes the resulting sorted child list into a tree
// blob. Per spec.md §4.8, the tree is hashed only after every child
// completes.
func (w *walker) buildDir(ctx context.Context, root, absPath, relPath string, rootDevice uint64, node tree.Node) (tree.Node, bool, error) {
	dirents, err := os.ReadDir(absPath)
	if err != nil {
		w.warnSkip(absPath, err)
		return tree.Node{}, false, nil
	}
	sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

	if w.opts.followGitignore {
		w.loadGitignore(absPath, relPath)
	}

	type slot struct {
		node tree.Node
		ok   bool
	}
	slots := make([]slot, len(dirents))

	g, gctx := errgroup.WithContext(ctx)
	for i, de := range dirents {
		i, de := i, de
		isDir := de.IsDir()
		childRel := joinRel(relPath, de.Name())
		childAbs := filepath.Join(absPath, de.Name())

		if w.opts.shouldExclude(childRel, isDir) || w.gitignoreExcludes(relPath, de.Name()) {
			continue
		}
		if isDir && w.hasSkipMarker(childAbs) {
			continue
		}
		if !isDir && w.opts.maxFileSize > 0 {
			if info, err := de.Info(); err == nil && info.Mode().IsRegular() && info.Size() > w.opts.maxFileSize {
				continue
			}
		}

		g.Go(func() error {
			if err := w.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer w.sem.Release(1)

			if isDir && w.opts.oneFileSystem && rootDevice != 0 {
				if meta, err := lstatUnixMeta(childAbs); err == nil && meta.DeviceID != rootDevice {
					return nil // mount point below root: omit its subtree entirely
				}
			}

			child, ok, err := w.buildEntry(gctx, root, childAbs, childRel, rootDevice)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			slots[i] = slot{node: child, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tree.Node{}, false, err
	}

	t := tree.Tree{}
	for _, s := range slots {
		if s.ok {
			t.Nodes = append(t.Nodes, s.node)
		}
	}
	t.Sort()

	treeID, data, err := tree.ID(t)
	if err != nil {
		return tree.Node{}, false, fmt.Errorf("archiver: hash tree %q: %w", relPath, err)
	}
	if err := w.pk.Submit(ctx, pack.BlobInput{Type: pack.TreeBlob, ID: treeID, Data: data}); err != nil {
		return tree.Node{}, false, fmt.Errorf("archiver: submit tree %q: %w", relPath, err)
	}

	node.Type = tree.NodeDir
	node.Subtree = treeID
	w.stats.dirs.Add(1)
	return node, true, nil
}

// buildFile reuses the parent's content list when the change-detection
// rule says absPath is unchanged; otherwise it chunks the file and submits
// every new chunk to the packer.
func (w *walker) buildFile(ctx context.Context, root, absPath, relPath string, info os.FileInfo, meta unixMeta, node tree.Node) (tree.Node, bool, error) {
	node.Type = tree.NodeFile
	node.Size = uint64(info.Size())

	if prev, ok := w.unchanged(root, relPath, info, meta); ok {
		node.Content = prev.Content
		node.Size = prev.Size
		w.stats.files.Add(1)
		w.stats.totalSize.Add(node.Size)
		return node, true, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		w.warnSkip(absPath, err)
		return tree.Node{}, false, nil
	}
	defer f.Close()

	c := chunker.New(f, w.repo.Config.ChunkerParams())
	var buf []byte
	for {
		chunk, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			w.warnSkip(absPath, err)
			return tree.Node{}, false, nil
		}

		id := crypto.Hash(chunk.Data)
		w.bp.BytesHashed(chunk.Length)
		if err := w.pk.Submit(ctx, pack.BlobInput{Type: pack.DataBlob, ID: id, Data: chunk.Data}); err != nil {
			return tree.Node{}, false, fmt.Errorf("archiver: submit chunk of %s: %w", absPath, err)
		}
		node.Content = append(node.Content, tree.ChunkRef{ID: id, Length: chunk.Length})
		buf = chunk.Data[:0]
	}

	w.stats.files.Add(1)
	w.stats.totalSize.Add(node.Size)
	return node, true, nil
}

// unchanged applies spec.md §4.8's default change-detection rule (same
// root, mtime, ctime, size, and inode), with each clause individually
// disabled by the matching Ignore option and all of them disabled by
// WithForce.
func (w *walker) unchanged(root, relPath string, info os.FileInfo, meta unixMeta) (tree.Node, bool) {
	if w.opts.force {
		return tree.Node{}, false
	}
	prev, ok := w.parent.Find(root, relPath)
	if !ok || prev.Type != tree.NodeFile {
		return tree.Node{}, false
	}
	if !w.opts.ignoreMtime && !prev.ModTime.Equal(info.ModTime()) {
		return tree.Node{}, false
	}
	if !w.opts.ignoreSize && prev.Size != uint64(info.Size()) {
		return tree.Node{}, false
	}
	if !w.opts.ignoreCtime && !meta.ChangeTime.IsZero() && !prev.ChangeTime.Equal(meta.ChangeTime) {
		return tree.Node{}, false
	}
	if !w.opts.ignoreInode && meta.Inode != 0 && prev.Inode != meta.Inode {
		return tree.Node{}, false
	}
	return prev, true
}

func (w *walker) lookupUser(uid uint32) string {
	w.userMu.Lock()
	defer w.userMu.Unlock()
	if name, ok := w.userCache[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(int(uid))); err == nil {
		name = u.Username
	}
	w.userCache[uid] = name
	return name
}

func (w *walker) lookupGroup(gid uint32) string {
	w.userMu.Lock()
	defer w.userMu.Unlock()
	if name, ok := w.groupCache[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(int(gid))); err == nil {
		name = g.Name
	}
	w.groupCache[gid] = name
	return name
}

// hasSkipMarker reports whether dirAbs directly contains one of the
// configured skip-if-present marker files, per spec.md §4.8.
func (w *walker) hasSkipMarker(dirAbs string) bool {
	if len(w.opts.skipIfPresent) == 0 {
		return false
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		return false
	}
	for _, e := range entries {
		for _, marker := range w.opts.skipIfPresent {
			if e.Name() == marker {
				return true
			}
		}
	}
	return false
}

// loadGitignore reads a .gitignore directly inside dirAbs (if any) and
// records its patterns, scoped to this directory's own children only: a
// simplification of full gitignore semantics, which also apply patterns to
// every descendant directory.
func (w *walker) loadGitignore(dirAbs, dirRel string) {
	data, err := os.ReadFile(filepath.Join(dirAbs, ".gitignore"))
	if err != nil {
		return
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if len(patterns) == 0 {
		return
	}
	w.gitignoreMu.Lock()
	w.gitignore[dirRel] = patterns
	w.gitignoreMu.Unlock()
}

func (w *walker) gitignoreExcludes(dirRel, name string) bool {
	if !w.opts.followGitignore {
		return false
	}
	w.gitignoreMu.Lock()
	patterns := w.gitignore[dirRel]
	w.gitignoreMu.Unlock()
	for _, p := range patterns {
		if matched, _ := filepath.Match(p, name); matched {
			return true
		}
	}
	return false
}

func classifySpecial(mode os.FileMode) tree.NodeType {
	switch {
	case mode&os.ModeNamedPipe != 0:
		return tree.NodeFifo
	case mode&os.ModeSocket != 0:
		return tree.NodeSocket
	case mode&os.ModeDevice != 0:
		return tree.NodeDevice
	default:
		return tree.NodeFile
	}
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
