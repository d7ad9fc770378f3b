//go:build !unix

package health

import (
	"context"
	"runtime"
	"time"
)

// DiskCheck checks the free space of the filesystem holding Path. Free space
// is only measured on unix platforms; elsewhere the check reports unknown.
type DiskCheck struct {
	Path           string
	MinFreeBytes   uint64
	MinFreePercent float64
}

func (c *DiskCheck) Name() string { return "disk" }
func (c *DiskCheck) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:    StatusUnknown,
		Message:   "disk space is not measured on " + runtime.GOOS,
		Timestamp: time.Now(),
	}
}
