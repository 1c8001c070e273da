// Package analysis implements the AnalysisAgent (spec §4.5): an external
// LLM call over strategic samples that returns a strict JSON classification
// driving the OffloadPipeline's extraction decision.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/llmvault/datavault/sampler"
	"github.com/llmvault/datavault/vaulterrors"
)

// Recommendation is the AnalysisAgent's offload decision.
type Recommendation string

const (
	OffloadAll      Recommendation = "offload_all"
	OffloadArray    Recommendation = "offload_array"
	KeepInline      Recommendation = "keep_inline"
	AggregateFirst  Recommendation = "aggregate_first"
)

// ToolContext is the provenance context passed alongside samples.
type ToolContext struct {
	ToolName  string
	ToolArgs  map[string]any
	UserQuery string
}

// BasicMeta is a lightweight pre-analysis summary (row/byte counts) handed
// to the agent for context. The pipeline fills in ByteLength before the
// call; it leaves RowCount at zero, so it is omitted from the prompt.
type BasicMeta struct {
	RowCount   int `json:"rowCount,omitempty"`
	ByteLength int `json:"byteLength"`
}

// Analysis is the parsed, validated reply (spec §4.5's required schema).
type Analysis struct {
	SemanticDescription     string         `json:"semanticDescription"`
	DataType                string         `json:"dataType"`
	OffloadRecommendation   Recommendation `json:"offloadRecommendation"`
	OffloadReason           string         `json:"offloadReason"`
	VisualizationSuggestions []string      `json:"visualizationSuggestions"`
	VisualizationRationale  string         `json:"visualizationRationale"`
	QualityInsights         []string       `json:"qualityInsights"`
	MetadataEnhancements    map[string]any `json:"metadataEnhancements"`
	DataExtractionPaths     []string       `json:"dataExtractionPaths"`
	PreserveInlinePaths     []string       `json:"preserveInlinePaths"`
}

// Agent is the AnalysisAgent contract. AnthropicAgent is the production
// implementation; tests use a canned stub.
type Agent interface {
	Analyze(ctx context.Context, samples sampler.Sample, toolCtx ToolContext, basic BasicMeta) (Analysis, error)
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var lineCommentPattern = regexp.MustCompile(`(?m)//[^\n]*$`)
var trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)

// ParseReply implements the parsing contract from spec §4.5: unwrap a
// fenced code block if present, strip line comments and trailing commas,
// then parse as JSON. The four mandatory fields are checked after parse;
// a missing one fails with AnalysisFailureError rather than falling back
// to heuristic extraction.
func ParseReply(reply string) (Analysis, error) {
	text := unwrapFence(reply)
	text = lineCommentPattern.ReplaceAllString(text, "")
	text = trailingCommaPattern.ReplaceAllString(text, "$1")

	var a Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return Analysis{}, vaulterrors.NewAnalysisFailure("reply is not valid JSON after scrubbing", err)
	}

	if missing := missingRequiredFields(a); missing != "" {
		return Analysis{}, vaulterrors.NewAnalysisFailure(fmt.Sprintf("missing required field(s): %s", missing), nil)
	}

	return a, nil
}

func unwrapFence(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if m := fencedBlockPattern.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return trimmed
}

func missingRequiredFields(a Analysis) string {
	var missing []string
	if a.SemanticDescription == "" {
		missing = append(missing, "semanticDescription")
	}
	if a.OffloadRecommendation == "" {
		missing = append(missing, "offloadRecommendation")
	}
	if a.DataExtractionPaths == nil {
		missing = append(missing, "dataExtractionPaths")
	}
	if a.PreserveInlinePaths == nil {
		missing = append(missing, "preserveInlinePaths")
	}
	return strings.Join(missing, ", ")
}
