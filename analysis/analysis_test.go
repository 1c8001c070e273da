package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/llmvault/datavault/sampler"
	"github.com/llmvault/datavault/vaulterrors"
)

func TestParseReplyPlainJSON(t *testing.T) {
	reply := `{"semanticDescription":"a list of orders","dataType":"tabular","offloadRecommendation":"offload_array","offloadReason":"large","visualizationSuggestions":[],"visualizationRationale":"","qualityInsights":[],"metadataEnhancements":{},"dataExtractionPaths":["data.rows"],"preserveInlinePaths":["status"]}`
	a, err := ParseReply(reply)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if a.OffloadRecommendation != OffloadArray {
		t.Errorf("OffloadRecommendation = %v, want offload_array", a.OffloadRecommendation)
	}
	if len(a.DataExtractionPaths) != 1 || a.DataExtractionPaths[0] != "data.rows" {
		t.Errorf("DataExtractionPaths = %v", a.DataExtractionPaths)
	}
}

func TestParseReplyFencedBlock(t *testing.T) {
	reply := "Here is my analysis:\n```json\n{\"semanticDescription\":\"x\",\"dataType\":\"text\",\"offloadRecommendation\":\"keep_inline\",\"offloadReason\":\"small\",\"visualizationSuggestions\":[],\"visualizationRationale\":\"\",\"qualityInsights\":[],\"metadataEnhancements\":{},\"dataExtractionPaths\":[],\"preserveInlinePaths\":[]}\n```"
	a, err := ParseReply(reply)
	if err != nil {
		t.Fatalf("ParseReply: %v", err)
	}
	if a.OffloadRecommendation != KeepInline {
		t.Errorf("OffloadRecommendation = %v, want keep_inline", a.OffloadRecommendation)
	}
}

func TestParseReplyCommentsAndTrailingCommas(t *testing.T) {
	reply := `{
  "semanticDescription": "x", // a comment
  "dataType": "tabular",
  "offloadRecommendation": "offload_all",
  "offloadReason": "big",
  "visualizationSuggestions": ["bar",],
  "visualizationRationale": "",
  "qualityInsights": [],
  "metadataEnhancements": {},
  "dataExtractionPaths": [""],
  "preserveInlinePaths": [],
}`
	a, err := ParseReply(reply)
	if err != nil {
		t.Fatalf("ParseReply should tolerate comments and trailing commas: %v", err)
	}
	if a.OffloadRecommendation != OffloadAll {
		t.Errorf("OffloadRecommendation = %v, want offload_all", a.OffloadRecommendation)
	}
}

func TestParseReplyMissingRequiredFieldFailsAnalysis(t *testing.T) {
	reply := `{"semanticDescription":"x","dataType":"tabular","offloadRecommendation":"offload_all","offloadReason":"big","preserveInlinePaths":[]}`
	_, err := ParseReply(reply)
	if err == nil {
		t.Fatal("missing dataExtractionPaths should fail")
	}
	var af *vaulterrors.AnalysisFailureError
	if !errors.As(err, &af) {
		t.Errorf("error should be an AnalysisFailureError, got %T", err)
	}
}

func TestParseReplyInvalidJSONFails(t *testing.T) {
	if _, err := ParseReply("not json at all"); err == nil {
		t.Fatal("invalid JSON should fail")
	}
}

type stubAgent struct {
	analysis Analysis
	err      error
}

func (s *stubAgent) Analyze(ctx context.Context, samples sampler.Sample, toolCtx ToolContext, basic BasicMeta) (Analysis, error) {
	return s.analysis, s.err
}

func TestStubAgentSatisfiesInterface(t *testing.T) {
	var _ Agent = (*stubAgent)(nil)
}
