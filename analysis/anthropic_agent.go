package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/llmvault/datavault/sampler"
	"github.com/llmvault/datavault/vaulterrors"
)

// MessagesClient is the subset of the Anthropic SDK used here, letting
// tests substitute a stub instead of a live client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicAgentConfig configures an AnthropicAgent.
type AnthropicAgentConfig struct {
	// Client is the Anthropic Messages client. Required.
	Client MessagesClient

	// Model is the Claude model identifier to call.
	Model string

	// MaxTokens caps the reply length. Defaults to 1024.
	MaxTokens int64

	// Timeout bounds each call; the spec recommends a deadline ≤ 10s.
	Timeout time.Duration

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// AnthropicAgent is the production Agent calling the Anthropic Messages API
// with a JSON-schema-constrained system prompt (spec §4.5).
type AnthropicAgent struct {
	client    MessagesClient
	model     string
	maxTokens int64
	timeout   time.Duration
	log       *slog.Logger
}

// NewAnthropicAgent builds an AnthropicAgent from cfg.
func NewAnthropicAgent(cfg AnthropicAgentConfig) (*AnthropicAgent, error) {
	if cfg.Client == nil {
		return nil, vaulterrors.NewValidationError("client", "an anthropic messages client is required")
	}
	if cfg.Model == "" {
		return nil, vaulterrors.NewValidationError("model", "an analysis model identifier is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAgent{client: cfg.Client, model: cfg.Model, maxTokens: maxTokens, timeout: timeout, log: logger}, nil
}

const systemPrompt = `You analyze a sample of a tool's JSON response and decide how much of it
should be offloaded out of the conversation. Reply with a single JSON object only, no prose,
with exactly these fields: semanticDescription (string), dataType (one of timeseries, tabular,
hierarchical, geospatial, text, mixed), offloadRecommendation (one of offload_all, offload_array,
keep_inline, aggregate_first), offloadReason (string), visualizationSuggestions (array of strings),
visualizationRationale (string), qualityInsights (array of strings), metadataEnhancements (object),
dataExtractionPaths (array of dot-notation paths to offload, [] if none), preserveInlinePaths
(array of dot-notation paths to keep inline, [] if none).`

// Analyze calls the Anthropic Messages API with the given samples and
// context, then parses the reply per the §4.5 contract. A call failure,
// timeout, or malformed/incomplete reply surfaces as AnalysisFailureError;
// the pipeline does not fall back to heuristic extraction.
func (a *AnthropicAgent) Analyze(ctx context.Context, samples sampler.Sample, toolCtx ToolContext, basic BasicMeta) (Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	userPrompt, err := buildUserPrompt(samples, toolCtx, basic)
	if err != nil {
		return Analysis{}, vaulterrors.NewAnalysisFailure("failed to build analysis prompt", err)
	}

	msg, err := a.client.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		a.log.WarnContext(ctx, "analysis agent call failed", "tool", toolCtx.ToolName, "error", err)
		return Analysis{}, vaulterrors.NewAnalysisFailure("anthropic messages.new failed", err)
	}

	reply := firstTextBlock(msg)
	if reply == "" {
		return Analysis{}, vaulterrors.NewAnalysisFailure("analysis agent reply contained no text content", nil)
	}

	return ParseReply(reply)
}

func firstTextBlock(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text
		}
	}
	return ""
}

func buildUserPrompt(samples sampler.Sample, toolCtx ToolContext, basic BasicMeta) (string, error) {
	payload := map[string]any{
		"samples": samples,
		"tool": map[string]any{
			"name":      toolCtx.ToolName,
			"args":      toolCtx.ToolArgs,
			"userQuery": toolCtx.UserQuery,
		},
		"basicMeta": basic,
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Analyze this tool response sample and reply with the required JSON object:\n\n%s", string(b)), nil
}

var _ Agent = (*AnthropicAgent)(nil)
