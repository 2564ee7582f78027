// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package restorer

import (
	"os"

	"github.com/rustic-rs/rustic/tree"
)

// applySymlinkMetadata is a no-op on platforms without lchown/lutimes
// equivalents; the symlink's target is already correct from ensureSymlink.
func applySymlinkMetadata(path string, n tree.Node) error {
	return nil
}

// applyFileMetadata applies what portably exists (mode, mtime); ownership
// and xattrs have no portable equivalent outside unix.
func applyFileMetadata(path string, n tree.Node) error {
	if err := os.Chmod(path, os.FileMode(n.Mode&0o7777)); err != nil {
		return err
	}
	atime := n.ModTime
	if n.AccessTime != nil {
		atime = *n.AccessTime
	}
	return os.Chtimes(path, atime, n.ModTime)
}

func applyDirMetadata(path string, n tree.Node) error {
	return applyFileMetadata(path, n)
}

// ensureSpecial is unsupported on non-unix platforms; device/fifo/socket
// nodes are skipped rather than erroring the whole restore.
func ensureSpecial(path string, n tree.Node) error {
	return nil
}
