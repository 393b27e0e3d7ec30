package sensor

import (
	"golang.org/x/sys/unix"
)

// DiskStat is the size of the filesystem holding a path.
type DiskStat struct {
	Total uint64
	Free  uint64
}

// Statfs reports total and available bytes for the filesystem holding path.
// Free counts blocks available to unprivileged users.
func Statfs(path string) (DiskStat, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskStat{}, err
	}
	bs := uint64(st.Bsize)
	return DiskStat{Total: uint64(st.Blocks) * bs, Free: uint64(st.Bavail) * bs}, nil
}
