// Package metrics collects counters during a dump run and renders the
// final report (both as JSON for the metrics server / S3 upload and as a
// human-readable string for stdout).
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects counters for one dump run using atomic operations so
// every scheduler worker can update them without contention.
type Metrics struct {
	keysSeen     int64 // keys read off the metadump inventory
	keysWritten  int64 // keys successfully written to a data file
	keysMissing  int64 // keys requested in a bulk get but not returned
	keysFiltered int64 // keys dropped by the TTL or dest_ips filter, or undecodable
	bytesWritten int64 // total value bytes written
	errors       int64 // task failures counted by RecordError; the scheduler does not call it

	startTime time.Time
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// KeySeen increments the inventory keys counter.
func (m *Metrics) KeySeen() { atomic.AddInt64(&m.keysSeen, 1) }

// KeysWritten increments the counter of keys whose value was written out.
// Named to satisfy keyvaluewriter.Counters.
func (m *Metrics) KeysWritten() { atomic.AddInt64(&m.keysWritten, 1) }

// KeysMissing increments the counter of keys the server did not return.
func (m *Metrics) KeysMissing() { atomic.AddInt64(&m.keysMissing, 1) }

// KeyFiltered increments the counter of keys dropped before ever being
// requested: by a TTL or dest_ips filter, or because the key failed to
// URL-decode.
func (m *Metrics) KeyFiltered() { atomic.AddInt64(&m.keysFiltered, 1) }

// BytesWritten adds n to the total value bytes written.
func (m *Metrics) BytesWritten(n int) { atomic.AddInt64(&m.bytesWritten, int64(n)) }

// RecordError increments the task failure counter.
func (m *Metrics) RecordError() { atomic.AddInt64(&m.errors, 1) }

// Report is the final snapshot of a run, in the shape printed to stdout,
// written to the metrics server's /metrics endpoint, and optionally
// uploaded to S3 alongside the dump files.
type Report struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	KeysSeen     int64         `json:"keysSeen"`
	KeysWritten  int64         `json:"keysWritten"`
	KeysMissing  int64         `json:"keysMissing"`
	KeysFiltered int64         `json:"keysFiltered"`
	BytesWritten int64         `json:"bytesWritten"`
	Errors       int64         `json:"errors"`
	Duration     time.Duration `json:"duration"`
	Throughput   float64       `json:"throughput"` // keys written per second
}

// GenerateReport snapshots the current counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	written := atomic.LoadInt64(&m.keysWritten)
	var throughput float64
	if duration > 0 {
		throughput = float64(written) / duration.Seconds()
	}

	return Report{
		StartTime:    m.startTime,
		EndTime:      endTime,
		KeysSeen:     atomic.LoadInt64(&m.keysSeen),
		KeysWritten:  written,
		KeysMissing:  atomic.LoadInt64(&m.keysMissing),
		KeysFiltered: atomic.LoadInt64(&m.keysFiltered),
		BytesWritten: atomic.LoadInt64(&m.bytesWritten),
		Errors:       atomic.LoadInt64(&m.errors),
		Duration:     duration,
		Throughput:   throughput,
	}
}

// MarshalJSON renders Duration as a human string (e.g. "1.5s") in place of
// its nanosecond count, matching the report format used for the
// S3-uploaded report and the /metrics endpoint.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String renders the report for console output at the end of a run.
func (r Report) String() string {
	return fmt.Sprintf(
		"Dump completed in %s\n"+
			"Keys seen:     %d\n"+
			"Keys written:  %d\n"+
			"Keys missing:  %d\n"+
			"Keys filtered: %d\n"+
			"Bytes written: %d\n"+
			"Errors:        %d\n"+
			"Throughput:    %.2f keys/sec",
		r.Duration, r.KeysSeen, r.KeysWritten, r.KeysMissing, r.KeysFiltered, r.BytesWritten, r.Errors, r.Throughput,
	)
}
