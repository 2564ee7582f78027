// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package archiver

import "time"

// unixMeta mirrors stat_unix.go's shape for non-Unix platforms, where
// ctime/inode/device have no direct equivalent; change detection on these
// platforms falls back to mtime+size only regardless of the ignore-ctime/
// ignore-inode flags.
type unixMeta struct {
	ChangeTime time.Time
	AccessTime time.Time
	DeviceID   uint64
	Inode      uint64
	UID        uint32
	GID        uint32
}

func lstatUnixMeta(path string) (unixMeta, error) {
	return unixMeta{}, nil
}
