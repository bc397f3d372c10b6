// Package probe holds the built-in host probes.
package probe

import (
	"encoding/json"
	"fmt"

	"github.com/itskum47/hostwatch/agent/module"
	"github.com/itskum47/hostwatch/wire"
)

// Status states reported by the built-in probes.
const (
	StateOK       = "ok"
	StateWarning  = "warning"
	StateCritical = "critical"
)

// Register adds every built-in probe to reg.
func Register(reg *module.Registry) error {
	for id, fn := range map[string]module.InvokeFunc{
		"cpu":        CPU,
		"memory":     Memory,
		"filesystem": Filesystem,
		"host":       Host,
	} {
		if err := reg.Register(id, module.InProcess, fn); err != nil {
			return err
		}
	}
	return nil
}

// classify maps value onto a state given ascending thresholds.
func classify(value, warning, critical float64) string {
	switch {
	case value >= critical:
		return StateCritical
	case value >= warning:
		return StateWarning
	default:
		return StateOK
	}
}

func percentRange() (*float64, *float64) {
	from, to := 0.0, 100.0
	return &from, &to
}

func ptr(f float64) *float64 { return &f }

func metaBlob(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return b, nil
}

func percentMetric(subject, metric string, value float64) wire.MetricDatum {
	from, to := percentRange()
	return wire.MetricDatum{
		Subject:     subject,
		Metric:      metric,
		Value:       value,
		RangeFrom:   from,
		RangeTo:     to,
		DisplayHint: "percent",
	}
}
