package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/wire"
)

type platformInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformFamily  string `json:"platform_family"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	BootTime        uint64 `json:"boot_time"`
}

// Host reports uptime and a "platform" metadata blob.
func Host(ctx context.Context, cfg module.Config) (*wire.Report, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}

	blob, err := metaBlob(platformInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformFamily:  info.PlatformFamily,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		BootTime:        info.BootTime,
	})
	if err != nil {
		return nil, err
	}

	return &wire.Report{
		Metrics: []wire.MetricDatum{
			{Subject: "host", Metric: "uptime", Value: float64(info.Uptime), DisplayHint: "seconds"},
		},
		Meta: map[string]json.RawMessage{"platform": blob},
	}, nil
}
