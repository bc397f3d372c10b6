package probe

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/wire"
)

// CPU reports load averages and usage. The load status compares the one
// minute load per core against "warning" (default 1.0) and "critical"
// (default 2.0).
func CPU(ctx context.Context, cfg module.Config) (*wire.Report, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load average: %w", err)
	}

	sample := time.Duration(cfg.Float("sample_seconds", 1) * float64(time.Second))
	usage, err := cpu.PercentWithContext(ctx, sample, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}

	report := &wire.Report{
		Metrics: []wire.MetricDatum{
			{Subject: "cpu", Metric: "load1", Value: avg.Load1},
			{Subject: "cpu", Metric: "load5", Value: avg.Load5},
			{Subject: "cpu", Metric: "load15", Value: avg.Load15},
		},
	}
	if len(usage) > 0 {
		report.Metrics = append(report.Metrics, percentMetric("cpu", "usage", usage[0]))
	}

	perCore := avg.Load1 / float64(cores)
	report.Status = []wire.StatusDatum{loadStatus(perCore, cfg)}
	return report, nil
}

func loadStatus(perCore float64, cfg module.Config) wire.StatusDatum {
	return wire.StatusDatum{
		Subject:   "cpu",
		Type:      "load",
		State:     classify(perCore, cfg.Float("warning", 1.0), cfg.Float("critical", 2.0)),
		Remaining: ptr(perCore),
		IsMetric:  true,
	}
}
