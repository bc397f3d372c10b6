package store

import "time"

// Source identifies where a datum came from.
type Source struct {
	Ident  string
	Module string
}

// MetricPoint is a single sample ready to be folded into buckets.
type MetricPoint struct {
	Source      Source
	Subject     string
	Metric      string
	Value       float64
	Time        time.Time
	RangeFrom   *float64
	RangeTo     *float64
	DisplayHint string
}

// BucketKey addresses one aggregate row for a granularity.
type BucketKey struct {
	BucketTime time.Time
	Ident      string
	Module     string
	Subject    string
	Metric     string
}

// Bucket is an aggregate row.
type Bucket struct {
	BucketKey
	Sum         float64
	Min         float64
	Max         float64
	Avg         float64
	Samples     int64
	RangeFrom   *float64
	RangeTo     *float64
	DisplayHint string
}

// StatusKey addresses one status row.
type StatusKey struct {
	Ident   string
	Module  string
	Subject string
	Type    string
}

// StatusRecord is the latest known state of a subject.
type StatusRecord struct {
	StatusKey
	State     string
	Remaining *float64
	IsMetric  bool
	UpdatedAt time.Time
}

// HealthTransition records a change of state. It is only created when the
// states differ.
type HealthTransition struct {
	ID          int64
	StatusKey
	StateBefore string
	StateAfter  string
	Remaining   *float64
	IsMetric    bool
	Time        time.Time
	AlertSent   bool
}

// Ident is the last-seen record of an agent.
type Ident struct {
	Ident       string
	Version     string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
