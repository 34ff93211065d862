//go:build linux

package preflight

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsageProbe measures the used fraction of the filesystem holding
// path.
func DiskUsageProbe(path string) func(ctx context.Context) (float64, error) {
	return func(_ context.Context) (float64, error) {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return 0, fmt.Errorf("statfs %s: %w", path, err)
		}
		if st.Blocks == 0 {
			return 0, fmt.Errorf("statfs %s: zero total blocks", path)
		}
		used := float64(st.Blocks-st.Bavail) / float64(st.Blocks)
		return used, nil
	}
}

// MemoryUsageProbe measures the used fraction of system memory.
func MemoryUsageProbe() func(ctx context.Context) (float64, error) {
	return func(_ context.Context) (float64, error) {
		var si unix.Sysinfo_t
		if err := unix.Sysinfo(&si); err != nil {
			return 0, fmt.Errorf("sysinfo: %w", err)
		}
		total := uint64(si.Totalram) * uint64(si.Unit)
		free := (uint64(si.Freeram) + uint64(si.Bufferram)) * uint64(si.Unit)
		if total == 0 {
			return 0, fmt.Errorf("sysinfo: zero total memory")
		}
		return float64(total-free) / float64(total), nil
	}
}
