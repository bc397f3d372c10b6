// Package wire defines the JSON payloads exchanged between the agent and the
// collector over the websocket session.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Heartbeat messages. Both are sent as websocket text frames.
const (
	Ping = "ping"
	Pong = "pong"
)

// Handshake headers sent by the agent when dialing the collector.
const (
	HeaderKey     = "X-Hostwatch-Key"
	HeaderIdent   = "X-Hostwatch-Ident"
	HeaderVersion = "X-Hostwatch-Version"
)

// ErrMalformed is returned when a payload does not decode into a valid report.
var ErrMalformed = errors.New("malformed report")

// OutboundReport is the payload pushed once per report cycle.
type OutboundReport struct {
	Meta       Meta           `json:"meta"`
	ModReports []ModuleReport `json:"mod_reports"`
}

// Meta carries envelope data. Time is the send time in epoch milliseconds.
type Meta struct {
	Time int64 `json:"time"`
}

// ModuleReport is the result of one probe.
type ModuleReport struct {
	Module string  `json:"module"`
	Report *Report `json:"report"`
}

// Report is what a probe produces in a single run.
type Report struct {
	Status  []StatusDatum              `json:"status,omitempty"`
	Metrics []MetricDatum              `json:"metrics,omitempty"`
	Meta    map[string]json.RawMessage `json:"meta,omitempty"`
}

// MetricDatum is a single numeric sample.
type MetricDatum struct {
	Subject     string   `json:"subject"`
	Metric      string   `json:"metric"`
	Value       float64  `json:"value"`
	Time        int64    `json:"time,omitempty"`
	RangeFrom   *float64 `json:"range_from,omitempty"`
	RangeTo     *float64 `json:"range_to,omitempty"`
	DisplayHint string   `json:"display_hint,omitempty"`
}

// StatusDatum is the current discrete state of a subject.
type StatusDatum struct {
	Subject   string   `json:"subject"`
	Type      string   `json:"type"`
	State     string   `json:"state"`
	Remaining *float64 `json:"remaining,omitempty"`
	IsMetric  bool     `json:"is_metric,omitempty"`
}

// IsEmpty reports whether r carries nothing worth sending.
func (r *Report) IsEmpty() bool {
	return r == nil || (len(r.Status) == 0 && len(r.Metrics) == 0 && len(r.Meta) == 0)
}

// StatusOnly returns a copy of r holding only its status list, or nil when
// r has no status.
func (r *Report) StatusOnly() *Report {
	if r == nil || len(r.Status) == 0 {
		return nil
	}
	status := make([]StatusDatum, len(r.Status))
	copy(status, r.Status)
	return &Report{Status: status}
}

// Encode serializes a report for the wire.
func Encode(report *OutboundReport) ([]byte, error) {
	return json.Marshal(report)
}

// Decode parses and validates an inbound payload.
func Decode(data []byte) (*OutboundReport, error) {
	var report OutboundReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	return &report, nil
}

// Validate checks the structural requirements of a decoded report.
func (o *OutboundReport) Validate() error {
	for i, mr := range o.ModReports {
		if mr.Module == "" {
			return fmt.Errorf("%w: mod_reports[%d] has no module", ErrMalformed, i)
		}
		if mr.Report == nil {
			return fmt.Errorf("%w: mod_reports[%d] (%s) has no report", ErrMalformed, i, mr.Module)
		}
		for j, m := range mr.Report.Metrics {
			if m.Subject == "" || m.Metric == "" {
				return fmt.Errorf("%w: %s metrics[%d] needs subject and metric", ErrMalformed, mr.Module, j)
			}
		}
		for j, s := range mr.Report.Status {
			if s.Subject == "" || s.Type == "" || s.State == "" {
				return fmt.Errorf("%w: %s status[%d] needs subject, type and state", ErrMalformed, mr.Module, j)
			}
		}
	}
	return nil
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
