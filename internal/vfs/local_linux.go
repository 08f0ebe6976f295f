package vfs

import (
	"io/fs"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func platformAttributes(path string, info fs.FileInfo, a Attributes) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a[AttrUID] = st.Uid
		a[AttrGID] = st.Gid
	}
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx); err != nil {
		return
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		a[AttrCreated] = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
}
