// Package sysmon snapshots host health: CPU load, memory, disk, uptime.
// Disk is tolerated to fail to nil; the rest degrade to zero values.
package sysmon

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one observation of host resources.
type Snapshot struct {
	Load1        float64
	FreeMemoryMB int64
	TotalMemMB   int64
	DiskUsedPct  *float64 // nil when the probe failed
	UptimeHours  float64
	At           time.Time
}

// Monitor probes the host. The zero value is usable.
type Monitor struct {
	// DiskPath is the mount point sampled for usage (default "/").
	DiskPath string
}

// Collect takes one snapshot. Individual probe failures degrade the
// affected field rather than failing the snapshot.
func (m *Monitor) Collect() Snapshot {
	snap := Snapshot{At: time.Now()}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.FreeMemoryMB = int64(vm.Available / (1024 * 1024))
		snap.TotalMemMB = int64(vm.Total / (1024 * 1024))
	}
	path := m.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.Usage(path); err == nil {
		pct := du.UsedPercent
		snap.DiskUsedPct = &pct
	}
	if up, err := host.Uptime(); err == nil {
		snap.UptimeHours = float64(up) / 3600
	}
	return snap
}

// FormatLine renders the snapshot as the single context line.
func (s Snapshot) FormatLine() string {
	diskStr := "n/a"
	if s.DiskUsedPct != nil {
		diskStr = fmt.Sprintf("%.0f%%", *s.DiskUsedPct)
	}
	return fmt.Sprintf("load %.2f, mem %d/%dMB free, disk %s used, up %.1fh",
		s.Load1, s.FreeMemoryMB, s.TotalMemMB, diskStr, s.UptimeHours)
}
