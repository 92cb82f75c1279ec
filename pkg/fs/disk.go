package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage describes the capacity of the filesystem that backs a directory.
type DiskUsage struct {
	// TotalBytes is the size of the filesystem.
	TotalBytes int64
	// AvailableBytes is what an unprivileged writer can still use.
	AvailableBytes int64
}

// StatDisk queries statfs(2) for the filesystem containing dir.
func StatDisk(dir string) (DiskUsage, error) {
	var st unix.Statfs_t

	err := unix.Statfs(dir, &st)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", dir, err)
	}

	bsize := int64(st.Bsize) //nolint:unconvert // Bsize width differs per platform

	return DiskUsage{
		TotalBytes:     int64(st.Blocks) * bsize,
		AvailableBytes: int64(st.Bavail) * bsize,
	}, nil
}
