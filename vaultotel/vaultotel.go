// Package vaultotel bridges the data vault's pipeline, store, and query
// paths to OpenTelemetry spans and metrics — the same shape as the donor
// runtime's TracingHandler/MetricsHandler, but driven directly by call
// sites instead of a generic runtime event stream, since the vault has
// no comparable event bus.
package vaultotel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps spans for the three suspension points spec §5 names:
// the AnalysisAgent call, a VaultStore round trip, and query execution.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer from an OpenTelemetry tracer.
func NewTracer(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// StartAnalysis starts a span around an AnalysisAgent.Analyze call.
func (t *Tracer) StartAnalysis(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "vault.analysis",
		trace.WithAttributes(attribute.String("datavault.tool_name", toolName)),
	)
}

// StartVaultOp starts a span around a vault.Store round trip (put/get).
func (t *Tracer) StartVaultOp(ctx context.Context, op, handleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "vault."+op,
		trace.WithAttributes(attribute.String("datavault.handle_id", handleID)),
	)
}

// StartQuery starts a span around a query.Engine.Execute call.
func (t *Tracer) StartQuery(ctx context.Context, handleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "vault.query",
		trace.WithAttributes(attribute.String("datavault.handle_id", handleID)),
	)
}

// EndOK ends span with success status.
func EndOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
	span.End()
}

// EndErr ends span recording err and setting error status. A nil err is
// equivalent to EndOK.
func EndErr(span trace.Span, err error) {
	if err == nil {
		EndOK(span)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// Metrics records the counters and histogram spec §4.6/§4.7's offload and
// query paths need: offload decisions by recommendation kind, and query
// execution time.
type Metrics struct {
	offloadDecisions metric.Int64Counter
	queryDuration    metric.Float64Histogram
	vaultPuts        metric.Int64Counter
	vaultGets        metric.Int64Counter
}

// NewMetrics creates a Metrics instrument set from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	offloadDecisions, err := meter.Int64Counter("datavault.offload.decisions",
		metric.WithDescription("Number of offload pipeline decisions by recommendation kind"),
	)
	if err != nil {
		return nil, err
	}

	queryDuration, err := meter.Float64Histogram("datavault.query.duration",
		metric.WithDescription("Duration of vault SQL query execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	vaultPuts, err := meter.Int64Counter("datavault.vault.puts",
		metric.WithDescription("Number of vault.Store.Put calls"),
	)
	if err != nil {
		return nil, err
	}

	vaultGets, err := meter.Int64Counter("datavault.vault.gets",
		metric.WithDescription("Number of vault.Store.Get calls, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		offloadDecisions: offloadDecisions,
		queryDuration:    queryDuration,
		vaultPuts:        vaultPuts,
		vaultGets:        vaultGets,
	}, nil
}

// RecordOffloadDecision increments the offload counter for the given
// recommendation (offload_all, offload_array, keep_inline, aggregate_first).
func (m *Metrics) RecordOffloadDecision(ctx context.Context, recommendation string) {
	m.offloadDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recommendation", recommendation),
	))
}

// RecordQueryDuration records a completed query's wall-clock duration.
func (m *Metrics) RecordQueryDuration(ctx context.Context, seconds float64, truncated bool) {
	m.queryDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.Bool("truncated", truncated),
	))
}

// RecordPut increments the vault put counter.
func (m *Metrics) RecordPut(ctx context.Context) {
	m.vaultPuts.Add(ctx, 1)
}

// RecordGet increments the vault get counter, tagged with outcome
// ("ok", "not_found", or "error").
func (m *Metrics) RecordGet(ctx context.Context, outcome string) {
	m.vaultGets.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
