package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/wire"
)

// Memory reports RAM and swap usage with a "memory_usage" status.
func Memory(ctx context.Context, cfg module.Config) (*wire.Report, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}

	report := &wire.Report{
		Metrics: []wire.MetricDatum{
			percentMetric("ram", "used_percent", vm.UsedPercent),
			{Subject: "ram", Metric: "used_bytes", Value: float64(vm.Used), DisplayHint: "bytes"},
			{Subject: "ram", Metric: "available_bytes", Value: float64(vm.Available), DisplayHint: "bytes"},
		},
		Status: []wire.StatusDatum{{
			Subject:   "ram",
			Type:      "memory_usage",
			State:     classify(vm.UsedPercent, cfg.Float("warning", 85), cfg.Float("critical", 95)),
			Remaining: ptr(100 - vm.UsedPercent),
			IsMetric:  true,
		}},
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err == nil && swap.Total > 0 {
		report.Metrics = append(report.Metrics,
			percentMetric("swap", "used_percent", swap.UsedPercent),
			wire.MetricDatum{Subject: "swap", Metric: "used_bytes", Value: float64(swap.Used), DisplayHint: "bytes"},
		)
	}
	return report, nil
}
