//go:build !linux

package health

import (
	"log"
	"sync"
)

var diskCheckWarningOnce sync.Once

// availableDiskBytes is stubbed off-Linux: it reports 10GB so the disk
// check never fires where statfs semantics differ.
func availableDiskBytes(_ string) (int64, error) {
	diskCheckWarningOnce.Do(func() {
		log.Println("WARNING: Disk space check not available on this platform, assuming sufficient space")
	})
	return 10 * 1024 * 1024 * 1024, nil
}
