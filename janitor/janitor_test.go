package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRunOnceCountsVaultKeysOnly(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	if err := rdb.Set(ctx, "data-vault:vault-1", "{}", 10*time.Minute).Err(); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	if err := rdb.Set(ctx, "data-vault:vault-2", "{}", 10*time.Minute).Err(); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	if err := rdb.Set(ctx, "unrelated:key", "x", 0).Err(); err != nil {
		t.Fatalf("seed unrelated key: %v", err)
	}

	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	j, err := New(Config{Redis: rdb, Meter: mp.Meter("test")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := j.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			if met.Name == "datavault.janitor.key_count" {
				found = true
				if g, ok := met.Data.(metricdata.Gauge[int64]); !ok || len(g.DataPoints) != 1 || g.DataPoints[0].Value != 2 {
					t.Errorf("key_count = %+v, want one data point of 2 (unrelated:key excluded)", met.Data)
				}
			}
		}
	}
	if !found {
		t.Error("expected datavault.janitor.key_count gauge to be recorded")
	}
}

func TestRunOnceNeverMutatesKeys(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	if err := rdb.Set(ctx, "data-vault:vault-1", "{}", time.Minute).Err(); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	j, err := New(Config{Redis: rdb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	ttl, err := rdb.TTL(ctx, "data-vault:vault-1").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 {
		t.Error("janitor must never mutate or clear TTL on observed keys")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	rdb := newTestRedis(t)
	j, err := New(Config{Redis: rdb, CronSpec: "@every 1h"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := j.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := j.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
