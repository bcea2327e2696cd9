package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spec-harvester/convergence/internal/llmclient"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/types"
)

// LLMExtractor implements the llm_extract method. The model's raw output is
// never trusted directly: it is stripped of reasoning wrappers and code
// fences, parsed as JSON, and then validated against the field contract
// before it becomes an evidence unit.
type LLMExtractor struct {
	client *llmclient.Client
}

// NewLLMExtractor wraps an optional LLM client. A disabled client makes
// Extract a no-op.
func NewLLMExtractor(client *llmclient.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

func (x *LLMExtractor) Method() types.Method { return types.MethodLLMExtract }

type llmResponse struct {
	Value             string `json:"value"`
	SnippetID         string `json:"snippet_id"`
	UnknownReason     string `json:"unknown_reason"`
	TargetMatchPassed bool   `json:"target_match_passed"`
}

func (x *LLMExtractor) Extract(ctx context.Context, ec Context) ([]types.EvidenceUnit, error) {
	if x.client == nil || !x.client.Enabled() || len(ec.Snippets) == 0 {
		return nil, nil
	}

	text, err := x.client.Generate(ctx, buildPrompt(ec))
	if err != nil {
		return nil, fmt.Errorf("llm_extract generate: %w", err)
	}

	resp, err := parseLLMResponse(text)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("llm_extract response for %s unparsable: %v", ec.Field.Key, err)
		return nil, nil
	}

	var src *SnippetRef
	for i := range ec.Snippets {
		if ec.Snippets[i].SnippetID == resp.SnippetID {
			src = &ec.Snippets[i]
			break
		}
	}
	if src == nil {
		logging.Get(logging.CategoryExtract).Warn("llm_extract referenced unknown snippet_id %q for field %s", resp.SnippetID, ec.Field.Key)
		return nil, nil
	}

	unit := types.EvidenceUnit{
		SnippetID: src.SnippetID, SourceID: src.SourceID, FieldKey: ec.Field.Key, Method: types.MethodLLMExtract,
		Tier: src.Tier, SourceIdentityMatch: src.SourceIdentityMatch, PageProductClusterID: src.PageProductClusterID,
		// The model's self-reported target_match_passed is advisory only;
		// it can never override the source-identity gate, so it is ANDed
		// with the same check every other extractor applies.
		TargetMatchPassed: resp.TargetMatchPassed && targetMatchPassed(*src, ec.Product),
	}
	if resp.Value == "" {
		unit.UnknownReason = normalizeUnknownReason(resp.UnknownReason)
	} else {
		unit.CandidateValue = resp.Value
	}
	return []types.EvidenceUnit{unit}, nil
}

func buildPrompt(ec Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Field %q expects a %s value", ec.Field.Key, ec.Field.ValueType)
	if ec.Field.Unit != "" {
		fmt.Fprintf(&b, " in unit %q", ec.Field.Unit)
	}
	if len(ec.Field.Enum) > 0 {
		fmt.Fprintf(&b, " from the set {%s}", strings.Join(ec.Field.Enum, ", "))
	}
	b.WriteString(". Given these snippets:\n")
	for _, s := range ec.Snippets {
		fmt.Fprintf(&b, "- snippet_id=%s: %q\n", s.SnippetID, s.Quote)
	}
	b.WriteString("Respond with exactly one JSON object and nothing else: " +
		`{"value": string, "snippet_id": string (one of the ids above), ` +
		`"unknown_reason": "missing_evidence"|"conflict"|"identity_uncertain"|"blocked_by_policy" (only if value is empty), ` +
		`"target_match_passed": bool}`)
	return b.String()
}

// parseLLMResponse strips code fences and any leading/trailing reasoning
// text a provider wraps its JSON answer in, then decodes it.
func parseLLMResponse(text string) (llmResponse, error) {
	text = stripCodeFences(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return llmResponse{}, fmt.Errorf("no JSON object found in response")
	}
	var resp llmResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return llmResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.Index(text, "\n"); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(text), "```")
}

func normalizeUnknownReason(s string) types.UnknownReason {
	switch types.UnknownReason(s) {
	case types.ReasonConflict, types.ReasonIdentityUncertain, types.ReasonBlockedByPolicy:
		return types.UnknownReason(s)
	default:
		return types.ReasonMissingEvidence
	}
}
