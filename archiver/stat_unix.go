// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package archiver

import (
	"time"

	"golang.org/x/sys/unix"
)

// unixMeta is the subset of a file's platform-specific metadata the
// change-detection rule and tree.Node need beyond what os.FileInfo exposes
// portably (ctime, device id, inode), per spec.md §4.8's default rule
// requiring "same ctime AND same inode".
type unixMeta struct {
	ChangeTime time.Time
	AccessTime time.Time
	DeviceID   uint64
	Inode      uint64
	UID        uint32
	GID        uint32
}

// lstatUnixMeta reads ctime/device/inode directly via unix.Lstat rather
// than through os.Lstat's FileInfo.Sys() type assertion, so the one
// metadata read is portable across the BSD/Linux unix.Stat_t layouts
// golang.org/x/sys/unix already normalizes.
func lstatUnixMeta(path string) (unixMeta, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return unixMeta{}, err
	}
	return unixMeta{
		ChangeTime: time.Unix(st.Ctim.Unix()),
		AccessTime: time.Unix(st.Atim.Unix()),
		DeviceID:   uint64(st.Dev),
		Inode:      st.Ino,
		UID:        st.Uid,
		GID:        st.Gid,
	}, nil
}
