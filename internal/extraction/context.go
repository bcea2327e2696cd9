// Package extraction implements the Extraction Context Assembler and the
// extractor set: per-field prompt/context assembly over a Prime Source pack,
// and one Extractor implementation per method in the method set.
package extraction

import (
	"github.com/spec-harvester/convergence/internal/retriever"
	"github.com/spec-harvester/convergence/internal/types"
)

// maxQuoteChars bounds every snippet quote handed to an extractor. Full
// pages are never dumped into extraction context.
const maxQuoteChars = 300

// SnippetRef is one quoted, metadata-tagged snippet surfaced to an
// extractor.
type SnippetRef struct {
	SnippetID            string
	SourceID             string
	DocID                string
	Quote                string
	Tier                 types.Tier
	DocKind              types.DocKind
	SourceIdentityMatch  types.IdentityMatchLevel
	PageProductClusterID string
}

// Context is the per-field extraction context: a field contract summary,
// parse-template intent, component refs, and the quoted Prime Source pack.
type Context struct {
	Field                 types.FieldContract
	Product               types.Product
	ParseTemplateID       string
	ParseTemplateExamples []string
	ComponentRefs         []string
	Snippets              []SnippetRef
}

// BuildContext assembles one field's extraction context from its Prime
// Source pack, truncating every quote to maxQuoteChars.
func BuildContext(field types.FieldContract, product types.Product, parseTemplateID string, examples, componentRefs []string, pack retriever.PrimeSourcePack) Context {
	snippets := make([]SnippetRef, 0, len(pack.Accepted))
	for _, s := range pack.Accepted {
		snippets = append(snippets, SnippetRef{
			SnippetID:            s.SnippetID,
			SourceID:             s.Source.SourceID,
			DocID:                s.DocID,
			Quote:                truncate(s.Text, maxQuoteChars),
			Tier:                 s.Source.Tier,
			DocKind:              s.Source.DocKind,
			SourceIdentityMatch:  s.Source.IdentityMatchLevel,
			PageProductClusterID: s.Source.PageProductClusterID,
		})
	}
	return Context{
		Field:                 field,
		Product:               product,
		ParseTemplateID:       parseTemplateID,
		ParseTemplateExamples: examples,
		ComponentRefs:         componentRefs,
		Snippets:              snippets,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
