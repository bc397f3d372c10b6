// Package buffer keeps the latest result of every probe job until it is
// pushed to the collector or expires.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/itskum47/hostwatch/wire"
)

type entry struct {
	capturedAt time.Time
	expiry     time.Duration
	report     *wire.Report
	sent       bool
}

// Buffer is safe for concurrent use by scheduler workers and the
// connection loop. No method blocks on anything but the mutex.
type Buffer struct {
	mu            sync.Mutex
	defaultExpiry time.Duration
	entries       map[string]*entry
}

func New(defaultExpiry time.Duration) *Buffer {
	return &Buffer{
		defaultExpiry: defaultExpiry,
		entries:       make(map[string]*entry),
	}
}

// Put stores report as the latest result of job, replacing any previous
// entry whether or not it was sent. A non-positive expiry uses the default.
func (b *Buffer) Put(job string, report *wire.Report, capturedAt time.Time, expiry time.Duration) {
	if report.IsEmpty() {
		return
	}
	if expiry <= 0 {
		expiry = b.defaultExpiry
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[job] = &entry{
		capturedAt: capturedAt,
		expiry:     expiry,
		report:     report,
	}
}

// Len returns the number of buffered entries, expired or not.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Aggregate builds the next outbound report. Expired entries are dropped.
// Entries already sent are repeated as status only, or skipped when they
// carry no status. Returns nil when there is nothing to send.
func (b *Buffer) Aggregate(now time.Time) *wire.OutboundReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	jobs := make([]string, 0, len(b.entries))
	for job := range b.entries {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)

	var mods []wire.ModuleReport
	for _, job := range jobs {
		e := b.entries[job]
		if now.Sub(e.capturedAt) > e.expiry {
			delete(b.entries, job)
			continue
		}

		if e.sent {
			if status := e.report.StatusOnly(); status != nil {
				mods = append(mods, wire.ModuleReport{Module: job, Report: status})
			}
			continue
		}

		mods = append(mods, wire.ModuleReport{Module: job, Report: e.report})
		e.sent = true
	}

	if len(mods) == 0 {
		return nil
	}
	return &wire.OutboundReport{
		Meta:       wire.Meta{Time: wire.Millis(now)},
		ModReports: mods,
	}
}
