package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestMetricsHappyPath(t *testing.T) {
	m := NewMetrics()

	m.KeySeen()
	m.KeySeen()
	m.KeysWritten()
	m.KeysMissing()
	m.KeyFiltered()
	m.BytesWritten(128)
	m.RecordError()

	time.Sleep(10 * time.Millisecond)

	report := m.GenerateReport()

	if report.KeysSeen != 2 {
		t.Errorf("expected 2 keys seen, got %d", report.KeysSeen)
	}
	if report.KeysWritten != 1 {
		t.Errorf("expected 1 key written, got %d", report.KeysWritten)
	}
	if report.KeysMissing != 1 {
		t.Errorf("expected 1 key missing, got %d", report.KeysMissing)
	}
	if report.KeysFiltered != 1 {
		t.Errorf("expected 1 key filtered, got %d", report.KeysFiltered)
	}
	if report.BytesWritten != 128 {
		t.Errorf("expected 128 bytes written, got %d", report.BytesWritten)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 error, got %d", report.Errors)
	}
	if report.Duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", report.Duration)
	}
	if report.Throughput <= 0 {
		t.Errorf("expected positive throughput, got %f", report.Throughput)
	}

	str := report.String()
	if !strings.Contains(str, "Keys written:  1") {
		t.Errorf("expected string representation to mention keys written, got: %s", str)
	}
}

func TestMarshalJSONRendersDurationAsString(t *testing.T) {
	m := NewMetrics()
	m.KeysWritten()
	report := m.GenerateReport()

	data, err := report.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if !strings.Contains(string(data), `"duration":"`) {
		t.Fatalf("expected duration to be rendered as a string, got: %s", data)
	}
}

func TestNoKeysWrittenThroughputIsZero(t *testing.T) {
	m := NewMetrics()
	report := m.GenerateReport()
	if report.Throughput != 0 {
		t.Errorf("expected zero throughput with no keys written, got %f", report.Throughput)
	}
}
