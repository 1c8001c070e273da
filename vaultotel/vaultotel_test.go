package vaultotel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/llmvault/datavault/vaultotel"
)

func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordOffloadDecisionIncrementsCounter(t *testing.T) {
	reader, mp := newTestMeter()
	m, err := vaultotel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordOffloadDecision(context.Background(), "offload_array")

	rm := collectMetrics(t, reader)
	if findMetric(rm, "datavault.offload.decisions") == nil {
		t.Error("expected datavault.offload.decisions metric to be recorded")
	}
}

func TestRecordQueryDurationRecordsHistogram(t *testing.T) {
	reader, mp := newTestMeter()
	m, err := vaultotel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordQueryDuration(context.Background(), 0.042, false)

	rm := collectMetrics(t, reader)
	if findMetric(rm, "datavault.query.duration") == nil {
		t.Error("expected datavault.query.duration metric to be recorded")
	}
}

func TestRecordPutAndGetCounters(t *testing.T) {
	reader, mp := newTestMeter()
	m, err := vaultotel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordPut(context.Background())
	m.RecordGet(context.Background(), "ok")
	m.RecordGet(context.Background(), "not_found")

	rm := collectMetrics(t, reader)
	if findMetric(rm, "datavault.vault.puts") == nil {
		t.Error("expected datavault.vault.puts metric to be recorded")
	}
	if findMetric(rm, "datavault.vault.gets") == nil {
		t.Error("expected datavault.vault.gets metric to be recorded")
	}
}
