// Package filesystem provides the disk-space guard the Batch Scheduler
// runs once per site, before its Site Downloader starts — adapted from
// the teacher's per-download Allocator into a per-site check, since a
// site's worth of granules lands as a handful of single-digit-megabyte
// files rather than one large streamed download.
package filesystem

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// Allocator guards against starting a site's downloads when the target
// volume doesn't have room for them.
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

const diskSpaceBufferBytes = 100 * 1024 * 1024

// EnsureSpace checks the volume backing dir has at least estimatedBytes
// free, plus a 100MB safety buffer.
func (a *Allocator) EnsureSpace(dir string, estimatedBytes int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}
	if int64(usage.Free) < (estimatedBytes + diskSpaceBufferBytes) {
		return fmt.Errorf("disk full: need %d bytes, available %d bytes", estimatedBytes, usage.Free)
	}
	return nil
}
