package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/wire"
)

var pseudoFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "overlay": true, "squashfs": true,
	"securityfs": true, "pstore": true, "debugfs": true, "tracefs": true,
	"mqueue": true, "hugetlbfs": true, "fusectl": true, "configfs": true,
	"binfmt_misc": true, "autofs": true, "nsfs": true, "bpf": true,
}

// Filesystem reports usage per mountpoint with a "disk_usage" status each.
// Options: "mountpoints" restricts the set, "warning"/"critical" in percent.
func Filesystem(ctx context.Context, cfg module.Config) (*wire.Report, error) {
	mounts := cfg.Strings("mountpoints")
	if len(mounts) == 0 {
		parts, err := disk.PartitionsWithContext(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("partitions: %w", err)
		}
		mounts = realMountpoints(parts)
	}

	warning := cfg.Float("warning", 85)
	critical := cfg.Float("critical", 95)

	report := &wire.Report{}
	for _, mp := range mounts {
		usage, err := disk.UsageWithContext(ctx, mp)
		if err != nil {
			continue
		}
		report.Metrics = append(report.Metrics,
			percentMetric(mp, "used_percent", usage.UsedPercent),
			wire.MetricDatum{Subject: mp, Metric: "free_bytes", Value: float64(usage.Free), DisplayHint: "bytes"},
		)
		report.Status = append(report.Status, diskStatus(mp, usage.UsedPercent, warning, critical))
	}
	if report.IsEmpty() {
		return nil, nil
	}
	return report, nil
}

func realMountpoints(parts []disk.PartitionStat) []string {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		if pseudoFilesystems[p.Fstype] || seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true
		out = append(out, p.Mountpoint)
	}
	return out
}

func diskStatus(mountpoint string, usedPercent, warning, critical float64) wire.StatusDatum {
	return wire.StatusDatum{
		Subject:   mountpoint,
		Type:      "disk_usage",
		State:     classify(usedPercent, warning, critical),
		Remaining: ptr(100 - usedPercent),
		IsMetric:  true,
	}
}
