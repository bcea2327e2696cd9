package extraction

import (
	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/llmclient"
	"github.com/spec-harvester/convergence/internal/types"
)

// BuildExtractors returns one Extractor per method in the method set, wired
// to their operator-configurable inputs.
func BuildExtractors(tables *config.OperatorTables, normalizerSnippets map[string]string, llm *llmclient.Client) []Extractor {
	return []Extractor{
		NewTextValueExtractor(types.MethodHTMLSpecTable, types.DocSpec, types.DocManual),
		NewTextValueExtractor(types.MethodEmbeddedJSON, types.DocSpec, types.DocManual, types.DocRetail),
		NewTextValueExtractor(types.MethodStructuredMetadata, types.DocSpec, types.DocManual, types.DocRetail),
		NewTextValueExtractor(types.MethodArticleText, types.DocReview, types.DocRetail, types.DocForum, types.DocOther),
		NewTextValueExtractor(types.MethodPDFText, types.DocManual, types.DocSpec),
		NewTextValueExtractor(types.MethodPDFOCR, types.DocManual, types.DocSpec),
		NewTextValueExtractor(types.MethodImageOCR, types.DocTeardown, types.DocReview),
		NewAdapterExtractor(tables),
		NewDeterministicNormalizer(normalizerSnippets),
		NewLLMExtractor(llm),
	}
}

// ExtractorByMethod returns the extractor in a built set matching method,
// or nil if none does.
func ExtractorByMethod(extractors []Extractor, method types.Method) Extractor {
	for _, x := range extractors {
		if x.Method() == method {
			return x
		}
	}
	return nil
}
