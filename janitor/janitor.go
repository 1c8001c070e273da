// Package janitor runs a read-only heartbeat over the vault's Redis
// keyspace. It never deletes entries — Redis's own key TTL is
// authoritative — it only samples occupancy and TTL distribution and
// reports them as telemetry, the same "observe, don't own" role the
// donor's WorkflowScheduler/HealthScheduler play relative to the store
// they poll.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	vaultKeyPattern   = "data-vault:*"
	defaultCronSpec   = "@every 1m"
	defaultScanCount  = 200
)

// Config wires a Janitor's dependencies.
type Config struct {
	Redis *redis.Client
	// CronSpec is a robfig/cron expression or "@every" shorthand.
	// Defaults to "@every 1m".
	CronSpec string
	Meter    metric.Meter
	Logger   *slog.Logger
}

// Janitor periodically scans the vault keyspace and reports occupancy
// metrics, on a robfig/cron schedule.
type Janitor struct {
	rdb      *redis.Client
	cronSpec string
	log      *slog.Logger

	keyCount   metric.Int64Gauge
	ttlSeconds metric.Float64Histogram

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New builds a Janitor from cfg. A nil Meter disables metric recording
// (the scan still runs and logs a summary).
func New(cfg Config) (*Janitor, error) {
	if cfg.Redis == nil {
		return nil, errors.New("janitor: a redis client is required")
	}
	spec := cfg.CronSpec
	if spec == "" {
		spec = defaultCronSpec
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Janitor{rdb: cfg.Redis, cronSpec: spec, log: logger}

	if cfg.Meter != nil {
		keyCount, err := cfg.Meter.Int64Gauge("datavault.janitor.key_count",
			metric.WithDescription("Number of live data-vault:* keys observed by the janitor scan"),
		)
		if err != nil {
			return nil, err
		}
		ttlSeconds, err := cfg.Meter.Float64Histogram("datavault.janitor.ttl_seconds",
			metric.WithDescription("Remaining TTL in seconds of observed vault keys"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return nil, err
		}
		j.keyCount = keyCount
		j.ttlSeconds = ttlSeconds
	}

	return j, nil
}

// Start schedules RunOnce on the configured cron spec. It is idempotent:
// calling Start twice without an intervening Stop is a no-op.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(j.cronSpec, func() {
		if err := j.RunOnce(context.Background()); err != nil {
			j.log.Error("janitor scan failed", "error", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	j.cron = c
	j.running = true
	return nil
}

// Stop halts the cron schedule, waiting for any in-flight run to finish
// or for ctx to be done, whichever comes first.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()

	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single SCAN pass over data-vault:* and records
// occupancy count and per-key TTL as telemetry. It never issues a
// DEL, EXPIRE, or any other mutating command.
func (j *Janitor) RunOnce(ctx context.Context) error {
	var cursor uint64
	var observed int64

	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, vaultKeyPattern, defaultScanCount).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			ttl, err := j.rdb.TTL(ctx, key).Result()
			if err != nil {
				continue
			}
			observed++
			if j.ttlSeconds != nil && ttl > 0 {
				j.ttlSeconds.Record(ctx, ttl.Seconds())
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if j.keyCount != nil {
		j.keyCount.Record(ctx, observed, metric.WithAttributes(attribute.String("pattern", vaultKeyPattern)))
	}
	j.log.Debug("janitor scan complete", "observed_keys", observed)
	return nil
}
