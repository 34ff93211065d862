//go:build !linux

package preflight

import "context"

// DiskUsageProbe has no portable implementation off Linux; the check
// is skipped.
func DiskUsageProbe(_ string) func(ctx context.Context) (float64, error) {
	return nil
}

// MemoryUsageProbe has no portable implementation off Linux; the check
// is skipped.
func MemoryUsageProbe() func(ctx context.Context) (float64, error) {
	return nil
}
