//go:build linux

package health

import "golang.org/x/sys/unix"

// availableDiskBytes returns the bytes available to unprivileged users on
// the filesystem holding path.
func availableDiskBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * stat.Bsize, nil
}
