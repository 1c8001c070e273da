// Package pipeline implements the OffloadPipeline (spec §4.6): the
// response-interception algorithm run on every upstream tool completion.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/llmvault/datavault/analysis"
	"github.com/llmvault/datavault/metadata"
	"github.com/llmvault/datavault/pathops"
	"github.com/llmvault/datavault/sampler"
	"github.com/llmvault/datavault/vault"
	"github.com/llmvault/datavault/vaultotel"
)

// Request is a single upstream tool completion handed to Offload.
type Request struct {
	ToolName  string
	ToolArgs  map[string]any
	UserQuery string
	OwnerID   string
	SessionID string

	// RawResult is the tool's raw response: a JSON string, an already
	// decoded value, or an lc_serializable wrapper (spec §4.6 steps 1-3).
	RawResult any
}

// Config wires a Pipeline's dependencies.
type Config struct {
	Vault  vault.Store
	Agent  analysis.Agent // nil disables offloading entirely (step 4).
	Limits vault.Limits
	Logger *slog.Logger

	// Tracer and Metrics are optional; a nil value disables telemetry
	// for this Pipeline without affecting its behavior.
	Tracer  *vaultotel.Tracer
	Metrics *vaultotel.Metrics
}

// Pipeline orchestrates sample → analyze → extract → store → merge.
type Pipeline struct {
	vault   vault.Store
	agent   analysis.Agent
	limits  vault.Limits
	log     *slog.Logger
	tracer  *vaultotel.Tracer
	metrics *vaultotel.Metrics
}

// New builds a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.Limits
	if limits == (vault.Limits{}) {
		limits = vault.DefaultLimits()
	}
	return &Pipeline{
		vault:   cfg.Vault,
		agent:   cfg.Agent,
		limits:  limits,
		log:     logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
}

// lcWrapper is the `{lc_serializable, content}` envelope some upstream
// tools emit around their actual payload (spec §4.6 step 3).
type lcWrapper struct {
	LCSerializable bool `json:"lc_serializable"`
	Content        any  `json:"content"`
}

// Offload runs the 9-step interception algorithm and returns the JSON
// string to deliver to the LLM in place of the raw tool result.
func (p *Pipeline) Offload(ctx context.Context, req Request) (json.RawMessage, error) {
	// Step 1: serialize for size/token logging; step 2: if the result is
	// a JSON string, parse it into a value. rawBytes carries the original
	// JSON bytes when RawResult was a string, so column order can later be
	// recovered from the source's own key order rather than Go's unordered
	// map[string]any representation.
	payload, rawBytes := normalizeRawResult(req.RawResult)

	// Step 3: unwrap an {lc_serializable, content} wrapper if present.
	payload, rawBytes = unwrapLCEnvelope(payload, rawBytes)

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	p.log.DebugContext(ctx, "pipeline intercepted tool result",
		"tool", req.ToolName, "bytes", len(serialized), "estimatedTokens", len(serialized)/4)

	// Step 4: no analysis agent configured — pass the payload through
	// unchanged (opt-out path for tools that don't want offload).
	if p.agent == nil {
		return serialized, nil
	}

	// Step 5: sample and call the analysis agent.
	sample := sampler.Take(string(serialized))
	a, err := p.callAnalyze(ctx, req, sample, serialized)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordOffloadDecision(ctx, string(a.OffloadRecommendation))
	}

	// Step 6: explicit keep-inline recommendation short-circuits.
	if a.OffloadRecommendation == analysis.KeepInline {
		return serialized, nil
	}

	// Step 7: extract per the analysis's declared paths.
	extracted, residual, err := pathops.Extract(payload, a.DataExtractionPaths, a.PreserveInlinePaths)
	if err != nil {
		return nil, err
	}

	// Step 8: vault each array-valued extraction; merge envelopes,
	// latest write wins on key collision.
	accumulator := map[string]any{}
	semantics := metadata.Semantics{
		Description:             a.SemanticDescription,
		DataType:                a.DataType,
		SuggestedVisualizations: a.VisualizationSuggestions,
		VisualizationRationale:  a.VisualizationRationale,
		QualityInsights:         a.QualityInsights,
		Enhancements:            a.MetadataEnhancements,
	}

	for path, v := range extracted {
		rows, ok := toRowArray(v)
		if !ok {
			continue
		}
		if len(rows) == 0 {
			continue
		}
		order := firstObjectKeyOrder(rawBytes, path)
		env, err := p.callPut(ctx, rows, order, req, semantics)
		if err != nil {
			return nil, err
		}
		mergeEnvelope(accumulator, env)
	}

	// Step 9: merge the accumulator over the residual (residual stays
	// LLM-visible context; envelope fields carry handle/token/semantics).
	merged := mergeResidualAndAccumulator(residual, accumulator)
	return json.Marshal(merged)
}

func (p *Pipeline) callPut(ctx context.Context, rows []map[string]any, order []string, req Request, semantics metadata.Semantics) (metadata.Envelope, error) {
	provenance := vault.Provenance{ToolArgs: req.ToolArgs, UserQuery: req.UserQuery}

	if p.tracer == nil {
		_, _, env, err := p.vault.Put(ctx, rows, order, req.OwnerID, req.SessionID, req.ToolName, provenance, semantics)
		if p.metrics != nil && err == nil {
			p.metrics.RecordPut(ctx)
		}
		return env, err
	}

	spanCtx, span := p.tracer.StartVaultOp(ctx, "put", "")
	_, _, env, err := p.vault.Put(spanCtx, rows, order, req.OwnerID, req.SessionID, req.ToolName, provenance, semantics)
	vaultotel.EndErr(span, err)
	if p.metrics != nil && err == nil {
		p.metrics.RecordPut(ctx)
	}
	return env, err
}

func (p *Pipeline) callAnalyze(ctx context.Context, req Request, sample sampler.Sample, serialized json.RawMessage) (analysis.Analysis, error) {
	if p.tracer == nil {
		return p.agent.Analyze(ctx, sample, analysis.ToolContext{
			ToolName:  req.ToolName,
			ToolArgs:  req.ToolArgs,
			UserQuery: req.UserQuery,
		}, analysis.BasicMeta{ByteLength: len(serialized)})
	}
	spanCtx, span := p.tracer.StartAnalysis(ctx, req.ToolName)
	a, err := p.agent.Analyze(spanCtx, sample, analysis.ToolContext{
		ToolName:  req.ToolName,
		ToolArgs:  req.ToolArgs,
		UserQuery: req.UserQuery,
	}, analysis.BasicMeta{ByteLength: len(serialized)})
	vaultotel.EndErr(span, err)
	return a, err
}

// normalizeRawResult returns the decoded payload alongside the raw JSON
// bytes it came from, when raw was a JSON string — the only case where
// the source's own key order is still recoverable (spec §4.3 step 1).
// An already-decoded raw (not a string) has no bytes to recover order
// from, so its rawBytes is nil and downstream column order falls back to
// lexical order.
func normalizeRawResult(raw any) (value any, rawBytes []byte) {
	if s, ok := raw.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed, []byte(s)
		}
		return s, nil
	}
	return raw, nil
}

func unwrapLCEnvelope(payload any, rawBytes []byte) (any, []byte) {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload, rawBytes
	}
	lc, hasLC := m["lc_serializable"]
	content, hasContent := m["content"]
	if !hasLC || !hasContent {
		return payload, rawBytes
	}
	if b, ok := lc.(bool); !ok || !b {
		return payload, rawBytes
	}
	return normalizeRawResult(content)
}

func toRowArray(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, m)
	}
	return rows, true
}

func mergeEnvelope(accumulator map[string]any, env metadata.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return
	}
	for k, v := range m {
		accumulator[k] = v
	}
}

func mergeResidualAndAccumulator(residual any, accumulator map[string]any) map[string]any {
	merged := map[string]any{}
	if residualMap, ok := residual.(map[string]any); ok {
		for k, v := range residualMap {
			merged[k] = v
		}
	}
	for k, v := range accumulator {
		merged[k] = v
	}
	return merged
}
