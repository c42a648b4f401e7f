//go:build !windows

package security

import (
	"golang.org/x/sys/unix"

	"pairdesk/internal/constants"
)

func (al *AuditLogger) hasEnoughDiskSpace() bool {
	if al.logDir == "" {
		return true
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(al.logDir, &stat); err != nil {
		return true
	}

	available := stat.Bavail * uint64(stat.Bsize)
	return int64(available) > constants.MinDiskSpaceRequired
}
